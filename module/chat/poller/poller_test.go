package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PPSync/module/chat/dedup"
	"PPSync/module/chat/model"
	"PPSync/module/chat/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fetchFunc func(ctx context.Context, conv string) ([]model.Message, error)

func (f fetchFunc) FetchMessages(ctx context.Context, conv string) ([]model.Message, error) {
	return f(ctx, conv)
}

func newReconciler() *reconcile.Reconciler {
	return reconcile.New("c1", dedup.New(dedup.Conf{}), reconcile.Conf{Logger: zap.NewNop()})
}

func testConf() Conf {
	return Conf{Interval: 10 * time.Millisecond, Logger: zap.NewNop()}
}

func TestPollNowFeedsReconciler(t *testing.T) {
	now := time.Now()
	r := newReconciler()
	r.AddOptimistic(model.Message{ID: "temp-123", ConversationID: "c1", SenderID: "A", Content: "hi", CreatedAt: now})

	f := fetchFunc(func(_ context.Context, conv string) ([]model.Message, error) {
		assert.Equal(t, "c1", conv)
		return []model.Message{
			{ID: "m-9", ConversationID: "c1", SenderID: "A", Content: "hi", CreatedAt: now.Add(2 * time.Second)},
			{ID: "x-1", ConversationID: "c2", SenderID: "B", Content: "elsewhere", CreatedAt: now},
		}, nil
	})
	p := New("c1", f, r, testConf())
	p.PollNow(context.Background())

	list := r.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "m-9", list[0].ID)
	assert.Equal(t, 1, p.Status().Accepted)
	assert.NoError(t, p.Status().Err)
}

func TestPollErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	f := fetchFunc(func(context.Context, string) ([]model.Message, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("503")
		}
		return nil, nil
	})
	p := New("c1", f, newReconciler(), testConf())

	p.PollNow(context.Background())
	p.PollNow(context.Background())
	st := p.Status()
	assert.Error(t, st.Err)
	assert.Equal(t, 2, st.Failures)

	p.PollNow(context.Background())
	st = p.Status()
	assert.NoError(t, st.Err)
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastOK.IsZero())
}

func TestStartKeepsPollingAfterErrors(t *testing.T) {
	var calls atomic.Int32
	f := fetchFunc(func(context.Context, string) ([]model.Message, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	p := New("c1", f, newReconciler(), testConf())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Error(t, p.Status().Err)
}

func TestResultsAfterStopAreDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	now := time.Now()
	f := fetchFunc(func(context.Context, string) ([]model.Message, error) {
		once.Do(func() { close(started) })
		<-release
		return []model.Message{{ID: "m-1", ConversationID: "c1", CreatedAt: now}}, nil
	})
	r := newReconciler()
	p := New("c1", f, r, Conf{Interval: time.Hour, Logger: zap.NewNop()})
	p.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	require.Eventually(t, p.isStopped, time.Second, time.Millisecond)
	close(release)
	<-stopped

	assert.Zero(t, r.Len())
}

func TestStopWithoutStart(t *testing.T) {
	p := New("c1", fetchFunc(func(context.Context, string) ([]model.Message, error) { return nil, nil }), newReconciler(), testConf())
	p.Stop()
	p.Stop()
	p.Start(context.Background())
}
