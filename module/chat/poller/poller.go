package poller

import (
	"context"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/module/chat/reconcile"
	"PPSync/service/metrics"
	"PPSync/tools/safe"

	"go.uber.org/zap"
)

// Fetcher returns the latest messages of a conversation.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Sink admits fetched messages; in practice the conversation reconciler.
type Sink interface {
	Admit(m model.Message) reconcile.Result
}

type Conf struct {
	Interval time.Duration // default 5s
	Timeout  time.Duration // per fetch, default Interval
	Clock    func() time.Time
	Logger   *zap.Logger
}

func (c *Conf) norm() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = c.Interval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Status describes the outcome of the most recent fetches. Err is transient:
// it is cleared by the next successful fetch.
type Status struct {
	LastOK   time.Time
	Err      error
	Failures int // consecutive
	Accepted int // messages accepted by the last fetch
}

// Poller periodically fetches the conversation feed and feeds it to the sink.
// The feed itself is never cached.
type Poller struct {
	conv  string
	fetch Fetcher
	sink  Sink
	conf  Conf
	log   *zap.Logger

	mu      sync.Mutex
	status  Status
	running bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

func New(conversationID string, f Fetcher, sink Sink, conf Conf) *Poller {
	safe.MustNotNil(f, "fetcher")
	safe.MustNotNil(sink, "sink")
	conf.norm()
	return &Poller{
		conv:   conversationID,
		fetch:  f,
		sink:   sink,
		conf:   conf,
		log:    conf.Logger.Named("poller").With(zap.String("conversation", conversationID)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start fetches immediately and then every Interval until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	safe.Go(p.log, "poller.loop", func() {
		defer close(p.done)
		defer cancel()
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		p.PollNow(ctx)
		t := time.NewTicker(p.conf.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.PollNow(ctx)
			}
		}
	})
}

// PollNow runs one fetch. Results that arrive after Stop are discarded.
func (p *Poller) PollNow(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
	defer cancel()
	msgs, err := p.fetch.FetchMessages(fctx, p.conv)

	if p.isStopped() {
		p.log.Debug("discard poll result after stop")
		return
	}
	if err != nil {
		metrics.PollErrors.Inc()
		p.mu.Lock()
		p.status.Err = err
		p.status.Failures++
		n := p.status.Failures
		p.mu.Unlock()
		p.log.Warn("poll failed", zap.Int("failures", n), zap.Error(err))
		return
	}

	accepted := 0
	for _, m := range msgs {
		if p.isStopped() {
			return
		}
		if m.ConversationID != "" && m.ConversationID != p.conv {
			p.log.Debug("discard message for another conversation", zap.String("id", m.ID))
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = p.conv
		}
		if p.sink.Admit(m) == reconcile.Accepted {
			accepted++
		}
	}

	p.mu.Lock()
	p.status = Status{LastOK: p.conf.Clock(), Accepted: accepted}
	p.mu.Unlock()
	if accepted > 0 {
		p.log.Debug("poll admitted messages", zap.Int("accepted", accepted), zap.Int("fetched", len(msgs)))
	}
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop ends the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	running := p.running
	close(p.stopCh)
	p.mu.Unlock()
	if running {
		<-p.done
	}
}
