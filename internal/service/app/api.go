package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/binder"
	"secure_exchange/internal/protocol/pairwise"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const defaultRetryMaxTime = 30 * time.Second

type (
	// Client talks to the relay on behalf of one key pair. Transient failures are
	// retried with exponential backoff; everything else is returned as is.
	Client struct {
		base         *url.URL
		http         *http.Client
		keys         *dh.KeyPair
		retryMaxTime time.Duration
		now          func() time.Time
	}

	ClientOption func(*Client)
)

func WithHTTPClient(hc *http.Client) ClientOption { return func(c *Client) { c.http = hc } }

func WithRetryMaxTime(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retryMaxTime = d
		}
	}
}

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(relayURL string, keys *dh.KeyPair, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q must be http or https", relayURL)
	}
	c := &Client{
		base:         base,
		http:         &http.Client{Timeout: 15 * time.Second},
		keys:         keys,
		retryMaxTime: defaultRetryMaxTime,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) RecipientPublicKey(ctx context.Context, address string) (*model.PublicKeyRecord, error) {
	var rec model.PublicKeyRecord
	if err := c.do(ctx, http.MethodGet, "/recipient-pubkey/"+url.PathEscape(address), nil, nil, &rec, false); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RegisterKey publishes this client's encryption key under its address.
func (c *Client) RegisterKey(ctx context.Context) (*model.PublicKeyRecord, error) {
	nonce, err := pairwise.NewNonce()
	if err != nil {
		return nil, err
	}
	reg := binder.Registration{
		Address:   c.keys.Address(),
		PublicKey: c.keys.PublicKeyHex(),
		Timestamp: c.now().UnixMilli(),
		Nonce:     nonce,
	}
	sig, err := binder.SignRegistration(c.keys, reg)
	if err != nil {
		return nil, err
	}
	req := &model.RegisterKeyRequest{
		Address:             reg.Address,
		EncryptionPublicKey: reg.PublicKey,
		Timestamp:           reg.Timestamp,
		Nonce:               reg.Nonce,
		Signature:           sig,
	}

	var rec model.PublicKeyRecord
	if err := c.do(ctx, http.MethodPost, "/pubkey", nil, req, &rec, false); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Send(ctx context.Context, req *model.SendRequest) (*model.SendResponse, error) {
	var resp model.SendResponse
	if err := c.do(ctx, http.MethodPost, "/send", nil, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Pending(ctx context.Context, dataType model.DataType, limit int) ([]*model.Envelope, error) {
	q := url.Values{}
	if dataType != "" {
		q.Set("dataType", string(dataType))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp model.PendingResponse
	if err := c.do(ctx, http.MethodGet, "/pending", q, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Acknowledge(ctx context.Context, messageID, status, errorMessage string) (*model.AckResponse, error) {
	req := &model.AckRequest{MessageID: messageID, Status: status, ErrorMessage: errorMessage}
	var resp model.AckResponse
	if err := c.do(ctx, http.MethodPost, "/acknowledge", nil, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Message(ctx context.Context, messageID string) (*model.Envelope, error) {
	var env model.Envelope
	if err := c.do(ctx, http.MethodGet, "/message/"+url.PathEscape(messageID), nil, nil, &env, true); err != nil {
		return nil, err
	}
	return &env, nil
}

// Dial opens the notification socket.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	header, err := c.authHeaders(http.MethodGet, "/ws")
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", model.ErrTransientIO, u.Redacted(), err)
	}
	return conn, nil
}

func (c *Client) authHeaders(method, target string) (http.Header, error) {
	nonce, err := pairwise.NewNonce()
	if err != nil {
		return nil, err
	}
	ts := c.now().UnixMilli()
	sig, err := binder.SignRequest(c.keys, method, target, ts, nonce)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(model.HeaderAddress, c.keys.Address())
	h.Set(model.HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(model.HeaderNonce, nonce)
	h.Set(model.HeaderSignature, sig)
	return h, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, auth bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.retryMaxTime

	op := func() error {
		err := c.once(ctx, method, path, query, payload, out, auth)
		if err == nil {
			return nil
		}
		if model.IsRetryable(err) || errors.Is(err, model.ErrRateLimited) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte, out any, auth bool) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if auth {
		// every attempt signs with a fresh nonce, the relay rejects reused ones
		header, err := c.authHeaders(method, binder.RequestTarget(path, u.RawQuery))
		if err != nil {
			return err
		}
		req.Header = header
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", model.ErrTransientIO, method, path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError turns a relay error body back into its sentinel.
func decodeError(resp *http.Response) error {
	var e model.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)

	sentinel := model.CodeError(e.Code)
	if sentinel == nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			sentinel = model.ErrTransientIO
		} else {
			sentinel = model.ErrInvalidRequest
		}
	}
	if e.Error == "" {
		e.Error = resp.Status
	}
	return fmt.Errorf("%w: relay: %s", sentinel, e.Error)
}
