package message

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"secure_exchange/internal/model"
)

type MemoryRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Envelope
}

var _ Store = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]*model.Envelope)}
}

func clone(env *model.Envelope) *model.Envelope {
	c := *env
	if env.Metadata != nil {
		c.Metadata = make(map[string]string, len(env.Metadata))
		for k, v := range env.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *MemoryRepo) Create(_ context.Context, env *model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[env.MessageID]; ok {
		return fmt.Errorf("%w: duplicate message id %s", model.ErrInvalidRequest, env.MessageID)
	}
	m.rows[env.MessageID] = clone(env)
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, messageID string) (*model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.rows[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	return clone(env), nil
}

func (m *MemoryRepo) ListPending(_ context.Context, recipient string, dataType model.DataType, limit int, now time.Time) ([]*model.Envelope, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]*model.Envelope, 0)
	for _, env := range m.rows {
		if env.RecipientAddress != recipient || env.Status.Terminal() || !env.ExpiresAt.After(now) {
			continue
		}
		if dataType != "" && env.DataType != dataType {
			continue
		}
		res = append(res, clone(env))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryRepo) MarkDelivered(_ context.Context, recipient string, messageIDs []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range messageIDs {
		env, ok := m.rows[id]
		if !ok || env.RecipientAddress != recipient || env.Status != model.StatusPending {
			continue
		}
		t := now
		env.Status = model.StatusDelivered
		env.DeliveredAt = &t
	}
	return nil
}

func (m *MemoryRepo) MarkAcknowledged(_ context.Context, recipient, messageID, ackStatus, errorMessage string, now time.Time) (*model.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.rows[messageID]
	if !ok || env.RecipientAddress != recipient {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	if env.Status == model.StatusAcknowledged {
		return clone(env), nil
	}
	if env.Status == model.StatusExpired || !env.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: message %s is %s", model.ErrInvalidTransition, messageID, model.StatusExpired)
	}
	t := now
	env.Status = model.StatusAcknowledged
	env.AckStatus = ackStatus
	env.ErrorMessage = errorMessage
	env.ReadAt = &t
	return clone(env), nil
}

func (m *MemoryRepo) SweepExpired(_ context.Context, now, purgeBefore time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired, purged int64
	for id, env := range m.rows {
		if !env.Status.Terminal() && !env.ExpiresAt.After(now) {
			env.Status = model.StatusExpired
			expired++
		}
		if env.Status.Terminal() && !env.ExpiresAt.After(purgeBefore) {
			delete(m.rows, id)
			purged++
		}
	}
	return expired, purged, nil
}
