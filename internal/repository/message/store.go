package message

import (
	"context"
	"time"

	"secure_exchange/internal/model"
)

const (
	DefaultLimit = 50
)

// Store persists envelopes and drives their lifecycle:
// pending -> delivered -> acknowledged, or pending/delivered -> expired.
// Callers enforce who may act on an envelope; the store only scopes by recipient.
type Store interface {
	Create(ctx context.Context, env *model.Envelope) error
	Get(ctx context.Context, messageID string) (*model.Envelope, error)
	ListPending(ctx context.Context, recipient string, dataType model.DataType, limit int, now time.Time) ([]*model.Envelope, error)
	MarkDelivered(ctx context.Context, recipient string, messageIDs []string, now time.Time) error
	MarkAcknowledged(ctx context.Context, recipient, messageID, ackStatus, errorMessage string, now time.Time) (*model.Envelope, error)
	SweepExpired(ctx context.Context, now, purgeBefore time.Time) (expired, purged int64, err error)
}
