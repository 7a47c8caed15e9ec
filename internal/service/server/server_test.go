package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"secure_exchange/internal/config"
	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/binder"
	"secure_exchange/internal/protocol/pairwise"
	"secure_exchange/internal/protocol/replay"
	"secure_exchange/internal/repository/message"
	"secure_exchange/internal/repository/pubkey"
	"secure_exchange/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t        *testing.T
	srv      *HttpServer
	ts       *httptest.Server
	messages *message.MemoryRepo
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	messages := message.NewMemoryRepo()
	opts := Options{
		Messages:  messages,
		Directory: pubkey.NewMemoryRepo(),
		Nonces:    replay.NewMemoryStore(),
		Relay:     config.DefaultServer().Relay,
		Replay:    config.DefaultServer().Replay,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewHttpServer(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{t: t, srv: srv, ts: ts, messages: messages}
}

func newKey(t *testing.T) *dh.KeyPair {
	t.Helper()
	kp, err := dh.NewKeyPair()
	require.NoError(t, err)
	return kp
}

func authHeaders(t *testing.T, kp *dh.KeyPair, method, target string) http.Header {
	t.Helper()
	ts := time.Now().UnixMilli()
	nonce, err := pairwise.NewNonce()
	require.NoError(t, err)
	sig, err := binder.SignRequest(kp, method, target, ts, nonce)
	require.NoError(t, err)

	h := http.Header{}
	h.Set(model.HeaderAddress, kp.Address())
	h.Set(model.HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(model.HeaderNonce, nonce)
	h.Set(model.HeaderSignature, sig)
	return h
}

func (f *fixture) call(kp *dh.KeyPair, method, target string, body any) (int, []byte) {
	f.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+target, rd)
	require.NoError(f.t, err)
	if kp != nil {
		req.Header = authHeaders(f.t, kp, method, target)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, data
}

func (f *fixture) register(kp *dh.KeyPair) {
	f.t.Helper()
	req := registration(f.t, kp, kp.PublicKeyHex())
	status, body := f.call(nil, http.MethodPost, "/pubkey", req)
	require.Equal(f.t, http.StatusOK, status, string(body))
}

func registration(t *testing.T, kp *dh.KeyPair, pub string) *model.RegisterKeyRequest {
	t.Helper()
	nonce, err := pairwise.NewNonce()
	require.NoError(t, err)
	reg := binder.Registration{
		Address:   kp.Address(),
		PublicKey: pub,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     nonce,
	}
	sig, err := binder.SignRegistration(kp, reg)
	require.NoError(t, err)
	return &model.RegisterKeyRequest{
		Address:             reg.Address,
		EncryptionPublicKey: reg.PublicKey,
		Timestamp:           reg.Timestamp,
		Nonce:               reg.Nonce,
		Signature:           sig,
	}
}

func seal(t *testing.T, from, to *dh.KeyPair, plaintext string, now time.Time) *model.SendRequest {
	t.Helper()
	req, err := pairwise.Seal(from, nil, pairwise.Message{
		Recipient:          to.Address(),
		RecipientPublicKey: to.PublicKeyHex(),
		DataType:           model.DataTypeMedicationPlan,
		Plaintext:          []byte(plaintext),
	}, now)
	require.NoError(t, err)
	return req
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e model.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Code
}

func TestSendPendingAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := newKey(t), newKey(t)
	f.register(alice)
	f.register(bob)

	status, body := f.call(alice, http.MethodPost, "/send", seal(t, alice, bob, `{"plan":"p1"}`, time.Now()))
	require.Equal(t, http.StatusOK, status, string(body))
	var sent model.SendResponse
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, model.StatusPending, sent.Status)
	assert.Equal(t, model.DeliveryQueued, sent.DeliveryStatus)
	assert.Equal(t, bob.Address(), sent.RecipientAddress)

	status, body = f.call(bob, http.MethodGet, "/pending", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var pending model.PendingResponse
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending.Messages, 1)
	env := pending.Messages[0]
	assert.Equal(t, sent.MessageID, env.MessageID)
	assert.Equal(t, model.StatusDelivered, env.Status)
	assert.Equal(t, alice.Address(), env.SenderAddress)

	plain, err := pairwise.Open(bob, env, alice.PublicKeyHex())
	require.NoError(t, err)
	assert.Equal(t, `{"plan":"p1"}`, string(plain))

	status, body = f.call(bob, http.MethodPost, "/acknowledge", &model.AckRequest{MessageID: env.MessageID})
	require.Equal(t, http.StatusOK, status, string(body))
	var ack model.AckResponse
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, model.StatusAcknowledged, ack.Status)
	assert.Equal(t, model.AckAcknowledged, ack.AckStatus)

	// a second acknowledgement is a no-op success
	status, _ = f.call(bob, http.MethodPost, "/acknowledge", &model.AckRequest{MessageID: env.MessageID})
	assert.Equal(t, http.StatusOK, status)

	status, body = f.call(alice, http.MethodGet, "/message/"+env.MessageID, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var stored model.Envelope
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, model.StatusAcknowledged, stored.Status)

	status, body = f.call(bob, http.MethodGet, "/pending", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &pending))
	assert.Empty(t, pending.Messages)
}

func TestAcknowledgeFailedReport(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := newKey(t), newKey(t)
	f.register(bob)

	status, body := f.call(alice, http.MethodPost, "/send", seal(t, alice, bob, "x", time.Now()))
	require.Equal(t, http.StatusOK, status, string(body))
	var sent model.SendResponse
	require.NoError(t, json.Unmarshal(body, &sent))

	status, body = f.call(bob, http.MethodPost, "/acknowledge", &model.AckRequest{
		MessageID:    sent.MessageID,
		Status:       model.AckFailed,
		ErrorMessage: "integrity check failed",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var ack model.AckResponse
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, model.StatusAcknowledged, ack.Status)
	assert.Equal(t, model.AckFailed, ack.AckStatus)
	assert.Equal(t, "integrity check failed", ack.ErrorMessage)
}

func TestOnlyRecipientMayAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob, eve := newKey(t), newKey(t), newKey(t)
	f.register(bob)

	_, body := f.call(alice, http.MethodPost, "/send", seal(t, alice, bob, "x", time.Now()))
	var sent model.SendResponse
	require.NoError(t, json.Unmarshal(body, &sent))

	status, body := f.call(eve, http.MethodPost, "/acknowledge", &model.AckRequest{MessageID: sent.MessageID})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(t, body))

	status, _ = f.call(eve, http.MethodGet, "/message/"+sent.MessageID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSendRejections(t *testing.T) {
	alice, bob, carol := newKey(t), newKey(t), newKey(t)

	cases := []struct {
		name   string
		build  func(t *testing.T) *model.SendRequest
		status int
		code   string
	}{
		{
			name: "tampered recipient",
			build: func(t *testing.T) *model.SendRequest {
				req := seal(t, alice, bob, "x", time.Now())
				req.RecipientAddress = carol.Address()
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_invalid",
		},
		{
			name: "tampered ciphertext",
			build: func(t *testing.T) *model.SendRequest {
				req := seal(t, alice, bob, "x", time.Now())
				last := req.EncryptedData[len(req.EncryptedData)-1]
				flipped := byte('0')
				if last == '0' {
					flipped = '1'
				}
				req.EncryptedData = req.EncryptedData[:len(req.EncryptedData)-1] + string(flipped)
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_invalid",
		},
		{
			name: "stale timestamp",
			build: func(t *testing.T) *model.SendRequest {
				return seal(t, alice, bob, "x", time.Now().Add(-6*time.Minute))
			},
			status: http.StatusUnprocessableEntity,
			code:   "expired_timestamp",
		},
		{
			name: "unregistered recipient",
			build: func(t *testing.T) *model.SendRequest {
				return seal(t, alice, newKey(t), "x", time.Now())
			},
			status: http.StatusNotFound,
			code:   "not_found",
		},
		{
			name: "identifier in metadata",
			build: func(t *testing.T) *model.SendRequest {
				req := seal(t, alice, bob, "x", time.Now())
				req.Metadata = map[string]string{"patientId": "42"}
				return req
			},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name: "secret in metadata",
			build: func(t *testing.T) *model.SendRequest {
				req := seal(t, alice, bob, "x", time.Now())
				req.Metadata = map[string]string{"groupKey": "00ff"}
				return req
			},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name: "separate signer not enabled",
			build: func(t *testing.T) *model.SendRequest {
				req, err := pairwise.Seal(alice, carol, pairwise.Message{
					Recipient:          bob.Address(),
					RecipientPublicKey: bob.PublicKeyHex(),
					DataType:           model.DataTypePlanShare,
					Plaintext:          []byte("x"),
				}, time.Now())
				require.NoError(t, err)
				return req
			},
			status: http.StatusUnauthorized,
			code:   "signature_invalid",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.register(bob)
			f.register(carol)

			status, body := f.call(alice, http.MethodPost, "/send", tc.build(t))
			assert.Equal(t, tc.status, status, string(body))
			assert.Equal(t, tc.code, errorCode(t, body))
		})
	}
}

func TestSendReplayRejected(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := newKey(t), newKey(t)
	f.register(bob)

	req := seal(t, alice, bob, "x", time.Now())
	status, _ := f.call(alice, http.MethodPost, "/send", req)
	require.Equal(t, http.StatusOK, status)

	status, body := f.call(alice, http.MethodPost, "/send", req)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "replay_detected", errorCode(t, body))
}

// failingCreates fails the first n Create calls with a transient error.
type failingCreates struct {
	message.Store
	n atomic.Int32
}

func (f *failingCreates) Create(ctx context.Context, env *model.Envelope) error {
	if f.n.Add(-1) >= 0 {
		return fmt.Errorf("%w: store unreachable", model.ErrTransientIO)
	}
	return f.Store.Create(ctx, env)
}

func TestSendRetryAfterTransientStoreFailure(t *testing.T) {
	store := &failingCreates{Store: message.NewMemoryRepo()}
	store.n.Store(1)
	f := newFixture(t, func(o *Options) { o.Messages = store })
	alice, bob := newKey(t), newKey(t)
	f.register(bob)

	req := seal(t, alice, bob, "x", time.Now())
	status, body := f.call(alice, http.MethodPost, "/send", req)
	require.Equal(t, http.StatusServiceUnavailable, status, string(body))
	assert.Equal(t, "unavailable", errorCode(t, body))

	status, body = f.call(alice, http.MethodPost, "/send", req)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = f.call(alice, http.MethodPost, "/send", req)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "replay_detected", errorCode(t, body))
}

func TestMetadataIdentifierKeys(t *testing.T) {
	for _, k := range []string{"id", "ID", "patientId", "patientID", "patient_id", "plan-id", "IDNumber", "planUUID"} {
		assert.ErrorIs(t, validateMetadata(map[string]string{k: "v"}), model.ErrInvalidRequest, k)
	}
	for _, k := range []string{"paid", "valid", "grid", "priority", "kind"} {
		assert.NoError(t, validateMetadata(map[string]string{k: "v"}), k)
	}
}

func TestSeparateSignerWhenEnabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Relay.AllowSignerSplit = true })
	alice, signer, bob := newKey(t), newKey(t), newKey(t)
	f.register(bob)

	req, err := pairwise.Seal(alice, signer, pairwise.Message{
		Recipient:          bob.Address(),
		RecipientPublicKey: bob.PublicKeyHex(),
		DataType:           model.DataTypePlanShare,
		Plaintext:          []byte("x"),
	}, time.Now())
	require.NoError(t, err)

	status, body := f.call(alice, http.MethodPost, "/send", req)
	require.Equal(t, http.StatusOK, status, string(body))

	_, body = f.call(bob, http.MethodGet, "/pending", nil)
	var pending model.PendingResponse
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending.Messages, 1)
	assert.Equal(t, signer.Address(), pending.Messages[0].SignerAddress)
	assert.Equal(t, alice.Address(), pending.Messages[0].SenderAddress)

	_, err = pairwise.Open(bob, pending.Messages[0], alice.PublicKeyHex())
	assert.NoError(t, err)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)
	alice := newKey(t)

	status, body := f.call(nil, http.MethodGet, "/pending", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "signature_invalid", errorCode(t, body))

	// headers signed for another path do not authenticate this one
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/pending", nil)
	require.NoError(t, err)
	req.Header = authHeaders(t, alice, http.MethodGet, "/acknowledge")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the query string is part of what is signed
	req, err = http.NewRequest(http.MethodGet, f.ts.URL+"/pending?limit=50", nil)
	require.NoError(t, err)
	req.Header = authHeaders(t, alice, http.MethodGet, "/pending?limit=1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, body = f.call(alice, http.MethodGet, "/pending?limit=1", nil)
	assert.Equal(t, http.StatusOK, status, string(body))

	// request headers are single use
	headers := authHeaders(t, alice, http.MethodGet, "/pending")
	for i, want := range []int{http.StatusOK, http.StatusConflict} {
		req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/pending", nil)
		require.NoError(t, err)
		req.Header = headers.Clone()
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, "attempt %d", i)
	}
}

func TestRegisterPubKey(t *testing.T) {
	f := newFixture(t, nil)
	alice, mallory := newKey(t), newKey(t)

	status, body := f.call(nil, http.MethodGet, "/recipient-pubkey/"+alice.Address(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(t, body))

	// a key that does not derive the claimed address
	status, body = f.call(nil, http.MethodPost, "/pubkey", registration(t, alice, mallory.PublicKeyHex()))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", errorCode(t, body))

	// signed by someone else
	forged := registration(t, alice, alice.PublicKeyHex())
	other := registration(t, mallory, alice.PublicKeyHex())
	forged.Signature = other.Signature
	status, body = f.call(nil, http.MethodPost, "/pubkey", forged)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "signature_invalid", errorCode(t, body))

	f.register(alice)
	status, _ = f.call(nil, http.MethodGet, "/recipient-pubkey/"+strings.ToUpper(alice.Address()[2:]), nil)
	assert.Equal(t, http.StatusBadRequest, status, "address must be 0x-prefixed")

	status, body = f.call(nil, http.MethodGet, "/recipient-pubkey/"+alice.Address(), nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var rec model.PublicKeyRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, alice.Address(), rec.Address)
	assert.Equal(t, alice.PublicKeyHex(), rec.EncryptionPublicKey)
}

func TestWebsocketNotification(t *testing.T) {
	f := newFixture(t, nil)
	alice, bob := newKey(t), newKey(t)
	f.register(bob)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, authHeaders(t, bob, http.MethodGet, "/ws"))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.Hub().Connected(bob.Address()) == 1 }, time.Second, 10*time.Millisecond)

	status, body := f.call(alice, http.MethodPost, "/send", seal(t, alice, bob, "x", time.Now()))
	require.Equal(t, http.StatusOK, status, string(body))
	var sent model.SendResponse
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, model.DeliveryNotified, sent.DeliveryStatus)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var note model.Notification
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, sent.MessageID, note.MessageID)
	assert.Equal(t, bob.Address(), note.RecipientAddress)
	assert.Equal(t, model.DataTypeMedicationPlan, note.DataType)

	conn.Close()
	require.Eventually(t, func() bool { return f.srv.Hub().Connected(bob.Address()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSweepExpiresEnvelopes(t *testing.T) {
	now := time.Now()
	var clock atomic.Int64
	clock.Store(now.UnixNano())
	f := newFixture(t, func(o *Options) {
		o.Now = func() time.Time { return time.Unix(0, clock.Load()) }
		o.Relay.EnvelopeTTL = time.Hour
		o.Relay.PurgeAfter = 24 * time.Hour
	})
	alice, bob := newKey(t), newKey(t)
	f.register(bob)

	status, body := f.call(alice, http.MethodPost, "/send", seal(t, alice, bob, "x", now))
	require.Equal(t, http.StatusOK, status, string(body))
	var sent model.SendResponse
	require.NoError(t, json.Unmarshal(body, &sent))

	clock.Store(now.Add(2 * time.Hour).UnixNano())
	expired, purged, err := f.srv.Sweep(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 1, expired)
	assert.EqualValues(t, 0, purged)

	env, err := f.messages.Get(t.Context(), sent.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, env.Status)

	clock.Store(now.Add(48 * time.Hour).UnixNano())
	_, purged, err = f.srv.Sweep(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestRedisNotifierFansOut(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := redis.NewRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	hub := NewHub()
	notifier := NewRedisNotifier(rs, "sx:test", hub)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- notifier.Run(ctx) }()
	require.Eventually(t, func() bool { return len(mr.PubSubChannels("sx:*")) == 1 }, time.Second, 10*time.Millisecond)

	f := newFixture(t, func(o *Options) {
		o.Hub = hub
		o.Notifier = notifier
	})
	alice, bob := newKey(t), newKey(t)
	f.register(bob)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, authHeaders(t, bob, http.MethodGet, "/ws"))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Connected(bob.Address()) == 1 }, time.Second, 10*time.Millisecond)

	status, body := f.call(alice, http.MethodPost, "/send", seal(t, alice, bob, "x", time.Now()))
	require.Equal(t, http.StatusOK, status, string(body))
	var sent model.SendResponse
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, model.DeliveryNotified, sent.DeliveryStatus)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var note model.Notification
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, sent.MessageID, note.MessageID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not stop")
	}
}
