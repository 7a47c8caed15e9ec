package replay

import (
	"context"
	"fmt"
	"time"

	"secure_exchange/internal/model"
)

const (
	DefaultWindow   = 5 * time.Minute
	DefaultNonceTTL = time.Hour

	maxNonceLen = 128
)

type (
	// NonceStore records single-use keys. MarkIfAbsent must be atomic: a check
	// followed by a separate write lets a concurrent duplicate through.
	NonceStore interface {
		MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
		Release(ctx context.Context, key string) error
	}

	Guard struct {
		store     NonceStore
		namespace string
		window    time.Duration
		nonceTTL  time.Duration
		now       func() time.Time
	}

	Option func(*Guard)
)

func WithWindow(d time.Duration) Option      { return func(g *Guard) { g.window = d } }
func WithNonceTTL(d time.Duration) Option    { return func(g *Guard) { g.nonceTTL = d } }
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// NewGuard builds a guard whose nonces live under namespace in store.
// The nonce TTL must outlive the freshness window, otherwise a nonce could be
// forgotten while its timestamp is still accepted.
func NewGuard(store NonceStore, namespace string, opts ...Option) (*Guard, error) {
	g := &Guard{
		store:     store,
		namespace: namespace,
		window:    DefaultWindow,
		nonceTTL:  DefaultNonceTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.nonceTTL <= g.window {
		return nil, fmt.Errorf("nonce ttl %s must exceed window %s", g.nonceTTL, g.window)
	}
	return g, nil
}

func (g *Guard) Window() time.Duration { return g.window }

// CheckFreshness rejects timestamps (unix millis) more than window away from now.
func (g *Guard) CheckFreshness(timestamp int64) error {
	delta := g.now().UnixMilli() - timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > g.window.Milliseconds() {
		return fmt.Errorf("%w: %d ms off", model.ErrExpiredTimestamp, delta)
	}
	return nil
}

// Check runs the freshness check, then marks nonce as used.
func (g *Guard) Check(ctx context.Context, nonce string, timestamp int64) error {
	if nonce == "" || len(nonce) > maxNonceLen {
		return fmt.Errorf("%w: nonce length", model.ErrInvalidRequest)
	}
	if err := g.CheckFreshness(timestamp); err != nil {
		return err
	}
	fresh, err := g.store.MarkIfAbsent(ctx, g.namespace+nonce, g.nonceTTL)
	if err != nil {
		return fmt.Errorf("%w: nonce store: %v", model.ErrTransientIO, err)
	}
	if !fresh {
		return model.ErrReplayDetected
	}
	return nil
}

// Release forgets a nonce consumed by Check whose request was not carried out,
// so the same request can be retried.
func (g *Guard) Release(ctx context.Context, nonce string) error {
	if err := g.store.Release(ctx, g.namespace+nonce); err != nil {
		return fmt.Errorf("%w: nonce store: %v", model.ErrTransientIO, err)
	}
	return nil
}
