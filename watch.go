package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"PPSync/global/config"
	"PPSync/logger"
	"PPSync/module/chat/dedup"
	"PPSync/module/chat/model"
	"PPSync/module/chat/poller"
	"PPSync/module/chat/push"
	"PPSync/module/chat/receipt"
	"PPSync/module/chat/reconcile"
	"PPSync/module/chat/session"
	"PPSync/module/chat/typing"
	"PPSync/service/api"
	"PPSync/service/natsx"
	"PPSync/service/wsx"
	"PPSync/tools/errs"
	"PPSync/tools/safe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchConv   string
	watchMember string
	watchName   string
	watchJoin   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync engine against one conversation",
	Long: `Log in, select a conversation and log the reconciled message list as it changes.
Lines read from stdin are sent as messages; incoming messages are marked read.

Examples:
  ppsync watch --conversation general --member alice
  PPSYNC_CLIENT_TRANSPORT=nats ppsync watch --conversation general --member bob --join`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchConv, "conversation", "", "conversation id")
	watchCmd.Flags().StringVar(&watchMember, "member", "", "member id (default client.member_id)")
	watchCmd.Flags().StringVar(&watchName, "name", "", "display name (default client.display_name)")
	watchCmd.Flags().BoolVar(&watchJoin, "join", false, "join the conversation first")
	_ = watchCmd.MarkFlagRequired("conversation")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Log.Named("watch")
	defer logger.Sync()

	self := model.Member{ID: firstNonEmpty(watchMember, cfg.Client.MemberID), DisplayName: firstNonEmpty(watchName, cfg.Client.DisplayName)}
	if self.ID == "" {
		return errs.ErrInvalidArgument.WrapMsg("member id is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.New(api.Conf{BaseURL: cfg.Client.BaseURL, Timeout: cfg.Client.Timeout, Retries: cfg.Client.Retries})
	tok, err := client.Login(ctx, self.ID, self.DisplayName)
	if err != nil {
		return err
	}
	if watchJoin {
		if err := client.Join(ctx, watchConv); err != nil {
			return err
		}
	}

	var (
		tr   push.Transport
		wire func(func())
	)
	switch cfg.Client.Transport {
	case "nats":
		nm, err := natsx.NewManager(natsConfig(cfg.Nats), logger.Log)
		if err != nil {
			return err
		}
		defer nm.Close()
		tr, wire = nm.Transport(), nm.Transport().WireDisconnects
	default:
		ws := wsx.NewClient(wsx.Conf{URL: cfg.Client.WSURL, Token: tok.Token})
		defer ws.Close()
		tr, wire = ws, ws.WireDisconnects
	}

	ctl := session.NewController(client, tr, sessionConf(cfg.Sync, self))
	wire(ctl.NotifyDisconnect)
	defer ctl.Close()

	s, err := ctl.Select(ctx, watchConv)
	if err != nil {
		return err
	}

	changes := make(chan []model.Message, 1)
	s.OnChange(func(list []model.Message) {
		select {
		case <-changes:
		default:
		}
		select {
		case changes <- list:
		default:
		}
	})
	s.OnTyping(func(entries []typing.Entry) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, firstNonEmpty(e.DisplayName, e.MemberID))
		}
		log.Info("typing", zap.Strings("members", names))
	})

	lines := make(chan string)
	safe.Go(log, "stdin", func() { readLines(ctx, lines) })

	status := time.NewTicker(30 * time.Second)
	defer status.Stop()
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case list := <-changes:
			logList(ctx, log, s, self.ID, list, seen)
		case line := <-lines:
			if _, err := s.Send(ctx, line, nil); err != nil {
				log.Warn("send failed", zap.Error(err))
			}
		case <-status.C:
			ps := s.PollStatus()
			log.Info("status", zap.Stringer("push", s.PushState()),
				zap.Time("lastPoll", ps.LastOK), zap.Int("pollFailures", ps.Failures))
		}
	}
}

// logList prints messages not seen before and marks incoming ones read.
func logList(ctx context.Context, log *zap.Logger, s *session.Session, self string, list []model.Message, seen map[string]bool) {
	for _, m := range list {
		if m.IsTemporary() || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		log.Info("message", zap.String("id", m.ID), zap.String("from", firstNonEmpty(m.SenderName, m.SenderID)),
			zap.String("content", m.Content), zap.Time("at", m.CreatedAt))
		if m.SenderID != self {
			if _, err := s.Visible(ctx, m.ID); err != nil {
				log.Debug("mark read failed", zap.String("id", m.ID), zap.Error(err))
			}
		}
	}
}

func readLines(ctx context.Context, out chan<- string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func sessionConf(c config.SyncConfig, self model.Member) session.Conf {
	return session.Conf{
		Self: self,
		Push: push.Conf{
			ProbeTimeout:     c.ProbeTimeout,
			HeartbeatEvery:   c.HeartbeatEvery,
			MaxReconnects:    c.MaxReconnects,
			ReconnectBackoff: c.ReconnectBackoff,
			QueueCap:         c.QueueCap,
		},
		Poll:      poller.Conf{Interval: c.PollInterval},
		Dedup:     dedup.Conf{Cap: c.DedupCap},
		Reconcile: reconcile.Conf{StaleHorizon: c.StaleHorizon},
		Receipt:   receipt.Conf{TTL: c.ReceiptTTL, RefreshEvery: c.ReceiptRefresh},
		Typing:    typing.Conf{Throttle: c.TypingThrottle, Idle: c.TypingIdle, Timeout: c.TypingTimeout},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
