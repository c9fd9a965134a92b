package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"PPSync/logger"
	"PPSync/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// MongoManager keeps one client alive: it connects with backoff, pings periodically
// and reconnects after repeated ping failures.
type MongoManager struct {
	cfg Config
	log *zap.Logger

	mu        sync.RWMutex
	client    *mongo.Client
	readyCh   chan struct{} // closed once, on the first successful connect
	readyOnce sync.Once

	lastErr atomic.Value // error
	done    chan struct{}
}

func NewManager(cfg Config, log *zap.Logger) *MongoManager {
	if log == nil {
		log = logger.Log
	}
	return &MongoManager{cfg: cfg, log: log.Named("mongo"), readyCh: make(chan struct{}), done: make(chan struct{})}
}

// StartAsync runs until ctx is done.
func (m *MongoManager) StartAsync(ctx context.Context) {
	go func() {
		defer close(m.done)
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second
			failThresh  = 3
		)

		for {
			// ===== 连接阶段（带退避重试） =====
			attempt := 0
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				cfg := m.cfg
				cli, err := Connect(ctx, &cfg)
				if err == nil {
					m.mu.Lock()
					m.client = cli
					m.mu.Unlock()
					m.log.Info("mongo connected", zap.String("database", cfg.Database))
					m.readyOnce.Do(func() { close(m.readyCh) })
					break
				}

				m.lastErr.Store(err)
				m.log.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))

				// 退避 + 抖动
				backoff := baseBackoff << attempt
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				jitter := time.Duration(rand.Int63n(int64(backoff / 5)))
				timer := time.NewTimer(backoff - jitter/2)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				if attempt < 6 {
					attempt++
				}
			}

			// ===== 健康检查阶段 =====
			if !m.watch(ctx, healthEvery, failThresh) {
				return
			}
		}
	}()
}

// watch pings until ctx ends (false) or the deployment looks gone (true, reconnect).
func (m *MongoManager) watch(ctx context.Context, every time.Duration, failThresh int) bool {
	t := time.NewTicker(every)
	defer t.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			m.disconnect()
			return false
		case <-t.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return true
			}
			if err := c.Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					m.log.Warn("mongo unhealthy, reconnecting", zap.Error(err))
					m.disconnect()
					return true
				}
			} else {
				fail = 0
			}
		}
	}
}

func (m *MongoManager) disconnect() {
	m.mu.Lock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
	m.mu.Unlock()
}

// Ready is closed after the first successful connect.
func (m *MongoManager) Ready() <-chan struct{} { return m.readyCh }

// Err returns the most recent connect or ping error.
func (m *MongoManager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// WaitReady blocks until the first connect or ctx ends.
func (m *MongoManager) WaitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		if err := m.Err(); err != nil {
			return errs.WrapMsg(err, "mongo not ready")
		}
		return ctx.Err()
	}
}

// TryGetDB returns the database while connected.
func (m *MongoManager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.Database(m.cfg.Database), true
}

// Wait blocks until StartAsync's loop has exited.
func (m *MongoManager) Wait() { <-m.done }
