package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"secure_exchange/internal/model"
	"secure_exchange/internal/utils/log"

	"go.uber.org/zap"
)

var errNoHandler = errors.New("no handler for data type")

type (
	// Handler consumes one opened envelope. A returned error is reported back to
	// the sender as a failed acknowledgement.
	Handler func(ctx context.Context, env *model.Envelope, plaintext []byte) error

	Inbox struct {
		app *App

		mu       sync.RWMutex
		handlers map[model.DataType]Handler
	}

	Result struct {
		MessageID string
		Sender    string
		DataType  model.DataType
		Plaintext []byte
		// AckStatus is empty when the envelope was left pending for a later run.
		AckStatus string
		Err       error
	}
)

func NewInbox(app *App) *Inbox {
	in := &Inbox{
		app:      app,
		handlers: make(map[model.DataType]Handler),
	}
	in.Handle(model.DataTypeUserInfo, in.handleUserInfo)
	return in
}

func (in *Inbox) Handle(dataType model.DataType, h Handler) {
	in.mu.Lock()
	in.handlers[dataType] = h
	in.mu.Unlock()
}

func (in *Inbox) handler(dataType model.DataType) Handler {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.handlers[dataType]
}

// handleUserInfo drops the cached key of a counterparty that announced a new one.
func (in *Inbox) handleUserInfo(ctx context.Context, env *model.Envelope, plaintext []byte) error {
	var info model.IdentityInfo
	if err := json.Unmarshal(plaintext, &info); err != nil {
		return fmt.Errorf("%w: user_info: %v", model.ErrInvalidRequest, err)
	}
	if !strings.EqualFold(info.Address, env.SenderAddress) {
		return fmt.Errorf("%w: user_info for %s sent by %s", model.ErrInvalidRequest, info.Address, env.SenderAddress)
	}
	return in.app.InvalidateKey(ctx, env.SenderAddress)
}

// Process fetches pending envelopes, opens each one, dispatches it by data type and
// acknowledges the outcome. Envelopes that fail for transient reasons stay pending.
func (in *Inbox) Process(ctx context.Context, dataType model.DataType, limit int) ([]Result, error) {
	envs, err := in.app.Pending(ctx, dataType, limit)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(envs))
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, in.processOne(ctx, env))
	}
	return results, nil
}

func (in *Inbox) processOne(ctx context.Context, env *model.Envelope) Result {
	res := Result{MessageID: env.MessageID, Sender: env.SenderAddress, DataType: env.DataType}

	plain, err := in.app.Open(ctx, env)
	if err == nil {
		res.Plaintext = plain
		if h := in.handler(env.DataType); h != nil {
			err = h(ctx, env, plain)
		} else {
			err = fmt.Errorf("%w %q", errNoHandler, env.DataType)
		}
	}
	res.Err = err
	if model.IsRetryable(err) {
		log.Warn("envelope left pending", zap.String("messageId", env.MessageID), zap.Error(err))
		return res
	}

	status, msg := model.AckAcknowledged, ""
	if err != nil {
		status, msg = model.AckFailed, err.Error()
	}
	if _, ackErr := in.app.Acknowledge(ctx, env.MessageID, status, msg); ackErr != nil {
		log.Warn("acknowledge failed", zap.String("messageId", env.MessageID), zap.Error(ackErr))
		if res.Err == nil {
			res.Err = ackErr
		}
		return res
	}
	res.AckStatus = status
	return res
}
