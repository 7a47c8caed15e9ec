package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/signature"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/pairwise"
	"secure_exchange/internal/protocol/replay"
	"secure_exchange/internal/utils/log"

	"go.uber.org/zap"
)

const defaultPubKeyTTL = 10 * time.Minute

type (
	// App is one principal's view of the exchange: it seals outgoing payloads,
	// opens incoming envelopes and keeps the directory cache.
	App struct {
		keys   *dh.KeyPair
		signer *dh.KeyPair
		relay  *Client
		cache  KeyCache
		ttl    time.Duration
		window time.Duration
		now    func() time.Time
	}

	Options struct {
		Cache     KeyCache
		PubKeyTTL time.Duration
		// Window bounds the gap between an envelope's signed timestamp and the
		// time the relay accepted it.
		Window time.Duration
		// Signer signs envelopes in place of the encryption key. The relay must
		// allow separate signers.
		Signer *dh.KeyPair
		Now    func() time.Time
	}
)

func New(keys *dh.KeyPair, relay *Client, opts Options) *App {
	a := &App{
		keys:   keys,
		signer: opts.Signer,
		relay:  relay,
		cache:  opts.Cache,
		ttl:    opts.PubKeyTTL,
		window: opts.Window,
		now:    opts.Now,
	}
	if a.cache == nil {
		a.cache = NewMemoryKeyCache()
	}
	if a.ttl <= 0 {
		a.ttl = defaultPubKeyTTL
	}
	if a.window <= 0 {
		a.window = replay.DefaultWindow
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func (a *App) Address() string {
	return a.keys.Address()
}

func (a *App) Relay() *Client {
	return a.relay
}

func (a *App) Register(ctx context.Context) (*model.PublicKeyRecord, error) {
	return a.relay.RegisterKey(ctx)
}

// PublicKey returns the directory key of address, from cache unless forceRefresh.
// A key that does not derive address is rejected, whatever the directory says.
func (a *App) PublicKey(ctx context.Context, address string, forceRefresh bool) (string, error) {
	address, err := signature.NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	if !forceRefresh {
		pub, ok, err := a.cache.Get(ctx, address)
		if err != nil {
			log.Warn("key cache read failed", zap.String("address", address), zap.Error(err))
		} else if ok {
			return pub, nil
		}
	}

	rec, err := a.relay.RecipientPublicKey(ctx, address)
	if err != nil {
		return "", fmt.Errorf("public key of %s: %w", address, err)
	}
	derived, err := dh.AddressFromPublicKey(rec.EncryptionPublicKey)
	if err != nil {
		return "", err
	}
	if derived != address {
		return "", fmt.Errorf("%w: directory key of %s derives %s", model.ErrKeyAgreement, address, derived)
	}
	if err := a.cache.Put(ctx, address, rec.EncryptionPublicKey, a.ttl); err != nil {
		log.Warn("key cache write failed", zap.String("address", address), zap.Error(err))
	}
	return rec.EncryptionPublicKey, nil
}

func (a *App) InvalidateKey(ctx context.Context, address string) error {
	return a.cache.Invalidate(ctx, strings.ToLower(address))
}

// Send seals plaintext for recipient and submits it.
func (a *App) Send(ctx context.Context, recipient string, dataType model.DataType, plaintext []byte) (*model.SendResponse, error) {
	pub, err := a.PublicKey(ctx, recipient, false)
	if err != nil {
		return nil, err
	}
	req, err := pairwise.Seal(a.keys, a.signer, pairwise.Message{
		Recipient:          recipient,
		RecipientPublicKey: pub,
		DataType:           dataType,
		Plaintext:          plaintext,
	}, a.now())
	if err != nil {
		return nil, err
	}
	resp, err := a.relay.Send(ctx, req)
	if err != nil {
		if model.IsSecurity(err) {
			log.Security("relay rejected envelope", err, zap.String("recipient", req.RecipientAddress))
		}
		return nil, err
	}
	return resp, nil
}

func (a *App) SendJSON(ctx context.Context, recipient string, dataType model.DataType, v any) (*model.SendResponse, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return a.Send(ctx, recipient, dataType, data)
}

// Open verifies and decrypts an envelope addressed to this principal. A tag
// mismatch is retried once against a freshly fetched sender key, in case the
// cached key predates a rotation.
func (a *App) Open(ctx context.Context, env *model.Envelope) ([]byte, error) {
	plain, err := a.open(ctx, env)
	if err != nil && model.IsSecurity(err) {
		log.Security("envelope rejected", err,
			zap.String("messageId", env.MessageID),
			zap.String("sender", env.SenderAddress),
		)
	}
	return plain, err
}

func (a *App) open(ctx context.Context, env *model.Envelope) ([]byte, error) {
	gap := env.CreatedAt.UnixMilli() - env.Timestamp
	if gap < 0 {
		gap = -gap
	}
	if !env.CreatedAt.IsZero() && gap > a.window.Milliseconds() {
		return nil, fmt.Errorf("%w: signed %d ms away from acceptance", model.ErrExpiredTimestamp, gap)
	}

	pub, err := a.PublicKey(ctx, env.SenderAddress, false)
	if err != nil {
		return nil, err
	}
	plain, err := pairwise.Open(a.keys, env, pub)
	if !errors.Is(err, model.ErrIntegrity) {
		return plain, err
	}

	fresh, ferr := a.PublicKey(ctx, env.SenderAddress, true)
	if ferr != nil || fresh == pub {
		return nil, err
	}
	log.Debug("retrying with refreshed sender key", zap.String("sender", env.SenderAddress))
	return pairwise.Open(a.keys, env, fresh)
}

func (a *App) Pending(ctx context.Context, dataType model.DataType, limit int) ([]*model.Envelope, error) {
	return a.relay.Pending(ctx, dataType, limit)
}

func (a *App) Acknowledge(ctx context.Context, messageID, status, errorMessage string) (*model.AckResponse, error) {
	return a.relay.Acknowledge(ctx, messageID, status, errorMessage)
}

func (a *App) Message(ctx context.Context, messageID string) (*model.Envelope, error) {
	return a.relay.Message(ctx, messageID)
}

// Identity is the user_info payload announcing this principal's current key.
func (a *App) Identity() model.IdentityInfo {
	return model.IdentityInfo{
		Address:             a.keys.Address(),
		EncryptionPublicKey: a.keys.PublicKeyHex(),
		UpdatedAt:           a.now().UnixMilli(),
	}
}
