package app

import (
	"context"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/utils/log"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Watch calls fn for every notification until ctx is done. A dropped socket is
// redialled with backoff.
func (a *App) Watch(ctx context.Context, fn func(model.Notification)) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second

	for {
		err := a.watchOnce(ctx, fn, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		log.Debug("notification socket closed", zap.Duration("retryIn", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *App) watchOnce(ctx context.Context, fn func(model.Notification), b backoff.BackOff) error {
	conn, err := a.relay.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	b.Reset()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var note model.Notification
		if err := conn.ReadJSON(&note); err != nil {
			return err
		}
		fn(note)
	}
}
