package natsx

import (
	"context"
	"time"

	"PPSync/module/chat/model"
)

// SyncPublisher retries envelope publishes with a fixed backoff.
type SyncPublisher struct {
	P       *Producer
	Retries int
	Backoff time.Duration
}

func (sp *SyncPublisher) PublishEnvelope(ctx context.Context, e model.Envelope) error {
	var err error
	for i := 0; i <= sp.Retries; i++ {
		err = sp.P.PublishEnvelope(ctx, e)
		if err == nil {
			return nil
		}
		if i == sp.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sp.Backoff):
		}
	}
	return err
}
