package natsx

import (
	"context"
	"fmt"
	"time"

	"PPSync/module/chat/model"

	"go.uber.org/zap"
)

// Manager is the facade the server and the CLI use: one client, its producer
// and a push transport with idempotent delivery.
type Manager struct {
	client    *Client
	producer  *Producer
	sync      *SyncPublisher
	transport *Transport
	idem      *MemIdem
}

func NewManager(cfg Config, log *zap.Logger, mws ...Middleware) (*Manager, error) {
	c, err := NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	idem := NewMemIdem(cfg.DupWindow, time.Minute)
	all := append([]Middleware{IdemMiddleware(idem, 0)}, mws...)
	p := NewProducer(c)
	return &Manager{
		client:    c,
		producer:  p,
		sync:      &SyncPublisher{P: p, Retries: 2, Backoff: 100 * time.Millisecond},
		transport: NewTransport(c, all...),
		idem:      idem,
	}, nil
}

func (m *Manager) Transport() *Transport { return m.transport }

func (m *Manager) Client() *Client { return m.client }

// PublishEnvelope publishes with retries.
func (m *Manager) PublishEnvelope(ctx context.Context, e model.Envelope) error {
	if m == nil || m.sync == nil {
		return fmt.Errorf("nats manager not initialized")
	}
	return m.sync.PublishEnvelope(ctx, e)
}

func (m *Manager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	m.idem.Stop()
	return m.client.Close()
}
