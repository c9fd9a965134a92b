package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"PPSync/global/config"
	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/service/gateway"
	"PPSync/service/mgo"
	"PPSync/service/natsx"
	"PPSync/service/server"
	"PPSync/service/storage"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	jwtsec "PPSync/tools/security"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference chat backend",
	Long: `Serve the REST endpoints the engine talks to, publish every change on NATS
subject conv.<id> and bridge websocket clients to NATS through the gateway.

Examples:
  ppsync serve -c ppsync.yaml
  PPSYNC_SERVER_STORE=memory PPSYNC_AUTH_SECRET=dev ppsync serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errs.ErrInvalidArgument.WrapMsg("auth.secret is required")
	}
	log := logger.Log
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ids.SetNodeID(cfg.Server.NodeID)

	nm, err := natsx.NewManager(natsConfig(cfg.Nats), log)
	if err != nil {
		return err
	}
	defer nm.Close()

	deps := server.Deps{Publisher: nm}
	var presence *storage.Presence
	switch cfg.Server.Store {
	case "memory":
		mem := server.NewMemStore()
		deps.Messages, deps.Reads, deps.Members = mem, mem, mem
	default:
		rdb, err := storage.NewClient(ctx, redisConfig(cfg.Redis))
		if err != nil {
			return err
		}
		defer rdb.Close()
		st := storage.NewStore(rdb, cfg.Redis.Prefix)
		presence = st.Presence(cfg.Server.PresenceTTL)

		mm := mgo.NewManager(mongoConfig(cfg.Mongo), log)
		mm.StartAsync(ctx)
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = mm.WaitReady(wctx)
		cancel()
		if err != nil {
			return errs.WrapMsg(err, "wait for mongo")
		}
		msgs := mgo.NewMessages(mgo.FromManager(mm))
		if err := msgs.EnsureIndexes(ctx); err != nil {
			return err
		}
		deps.Messages, deps.Reads, deps.Members, deps.Presence = msgs, st, st, presence
	}

	if cfg.Server.Gateway {
		gc := gateway.Conf{
			Upstream:  nm.Transport(),
			Authorize: memberAuthorizer(deps.Members),
			Conns: gateway.ManagerConf{
				TTL:          cfg.Server.ConnTTL,
				MaxPerMember: cfg.Server.MaxPerMember,
				EvictOldest:  cfg.Server.EvictOldest,
			},
			Logger: log,
		}
		if presence != nil {
			gc.Presence = presence
		}
		deps.Gateway = gateway.New(gc)
	}

	srv := server.New(server.Conf{
		Addr:         cfg.Server.Addr,
		JWT:          jwtOptions(cfg.Auth),
		HistoryLimit: cfg.Server.HistoryLimit,
		OpenJoin:     cfg.Server.OpenJoin,
		Logger:       log,
	}, deps)
	log.Info("serving", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Server.Store),
		zap.Bool("gateway", cfg.Server.Gateway))
	return srv.Run(ctx)
}

// memberAuthorizer lets members subscribe only to conversations they belong to.
func memberAuthorizer(members server.MemberRepo) gateway.Authorizer {
	return func(ctx context.Context, memberID, channel string) error {
		conv, ok := strings.CutPrefix(channel, model.ChannelName(""))
		if !ok || conv == "" {
			return errs.ErrInvalidArgument.WrapMsg("unknown channel", "channel", channel)
		}
		in, err := members.IsMember(ctx, conv, memberID)
		if err != nil {
			return err
		}
		if !in {
			return errs.ErrForbidden.WrapMsg("not a member", "conversation", conv)
		}
		return nil
	}
}

// ===== 配置转换 =====

func natsConfig(c config.NatsConfig) natsx.Config {
	out := natsx.Config{
		Servers:        c.Servers,
		Name:           c.Name,
		User:           c.User,
		Password:       c.Password,
		Token:          c.Token,
		ReconnectWait:  c.ReconnectWait,
		Timeout:        c.Timeout,
		Stream:         c.Stream,
		StreamSubjects: []string{model.ChannelName(">")},
		DupWindow:      c.DupWindow,
	}
	if c.Mode == "jetstream" {
		out.Mode = natsx.JetStream
	}
	return out
}

func redisConfig(c config.RedisConfig) storage.Config {
	return storage.Config{Addr: c.Addr, Password: c.Password, DB: c.DB, PoolSize: c.PoolSize, Prefix: c.Prefix}
}

func mongoConfig(c config.MongoConfig) mgo.Config {
	return mgo.Config{
		Uri:         c.URI,
		Address:     c.Address,
		Database:    c.Database,
		Username:    c.Username,
		Password:    c.Password,
		AuthSource:  c.AuthSource,
		MaxPoolSize: c.MaxPoolSize,
		MaxRetry:    c.MaxRetry,
	}
}

func jwtOptions(c config.AuthConfig) jwtsec.Options {
	opts := jwtsec.DefaultOptions([]byte(c.Secret))
	if c.Alg != "" {
		opts.Alg = c.Alg
	}
	if c.TTL > 0 {
		opts.TTL = c.TTL
	}
	if c.Issuer != "" {
		opts.Issuer = c.Issuer
	}
	return opts
}
