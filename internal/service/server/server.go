package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"secure_exchange/internal/config"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/replay"
	"secure_exchange/internal/repository/message"
	"secure_exchange/internal/repository/pubkey"
	"secure_exchange/internal/utils/log"
	"secure_exchange/internal/utils/metrics"
	"secure_exchange/internal/utils/ratelimit"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second

	envelopeNamespace = "nonce:envelope:"
	authNamespace     = "nonce:auth:"
)

type (
	Options struct {
		Messages  message.Store
		Directory pubkey.Directory
		Nonces    replay.NonceStore
		// Hub holds local sockets; a RedisNotifier must share it.
		Hub *Hub
		// Notifier defaults to Hub.
		Notifier Notifier
		Limiter  *ratelimit.KeyLimiter
		Relay    config.RelayConfig
		Replay   config.ReplayConfig
		Now      func() time.Time
	}

	HttpServer struct {
		messages      message.Store
		directory     pubkey.Directory
		envelopeGuard *replay.Guard
		authGuard     *replay.Guard
		hub           *Hub
		notifier      Notifier
		limiter       *ratelimit.KeyLimiter
		relay         config.RelayConfig
		now           func() time.Time
	}
)

func NewHttpServer(opts Options) (*HttpServer, error) {
	if opts.Messages == nil || opts.Directory == nil || opts.Nonces == nil {
		return nil, fmt.Errorf("server: messages, directory and nonce store are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Replay.Window == 0 {
		opts.Replay = config.ReplayConfig{Window: replay.DefaultWindow, NonceTTL: replay.DefaultNonceTTL}
	}
	if opts.Relay.EnvelopeTTL <= 0 {
		opts.Relay.EnvelopeTTL = config.DefaultServer().Relay.EnvelopeTTL
	}
	if opts.Relay.MaxPendingLimit <= 0 {
		opts.Relay.MaxPendingLimit = config.DefaultServer().Relay.MaxPendingLimit
	}

	guardOpts := []replay.Option{
		replay.WithWindow(opts.Replay.Window),
		replay.WithNonceTTL(opts.Replay.NonceTTL),
		replay.WithClock(opts.Now),
	}
	envelopeGuard, err := replay.NewGuard(opts.Nonces, envelopeNamespace, guardOpts...)
	if err != nil {
		return nil, err
	}
	authGuard, err := replay.NewGuard(opts.Nonces, authNamespace, guardOpts...)
	if err != nil {
		return nil, err
	}

	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = hub
	}
	return &HttpServer{
		messages:      opts.Messages,
		directory:     opts.Directory,
		envelopeGuard: envelopeGuard,
		authGuard:     authGuard,
		hub:           hub,
		notifier:      notifier,
		limiter:       opts.Limiter,
		relay:         opts.Relay,
		now:           opts.Now,
	}, nil
}

func (s *HttpServer) Hub() *Hub {
	return s.hub
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/recipient-pubkey/{address}", s.GetRecipientPubKey()).Methods(http.MethodGet)
	r.HandleFunc("/pubkey", s.RegisterPubKey()).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/send", s.Send()).Methods(http.MethodPost)
	authed.HandleFunc("/pending", s.Pending()).Methods(http.MethodGet)
	authed.HandleFunc("/acknowledge", s.Acknowledge()).Methods(http.MethodPost)
	authed.HandleFunc("/message/{messageId}", s.GetMessage()).Methods(http.MethodGet)
	authed.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)

	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response failed", zap.Error(err))
	}
}

// writeError maps err onto the wire error table. Security rejections are logged
// separately so they can be told apart from ordinary failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := model.ErrorCode(err)
	metrics.Rejections.WithLabelValues(code).Inc()

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("code", code),
	}
	if addr, ok := addressFrom(r.Context()); ok {
		fields = append(fields, zap.String("caller", addr))
	}
	switch {
	case model.IsSecurity(err):
		log.Security("request rejected", err, fields...)
	case status >= http.StatusInternalServerError:
		log.Error("request failed", append(fields, zap.Error(err))...)
	default:
		log.Debug("request rejected", append(fields, zap.Error(err))...)
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, &model.ErrorResponse{Error: msg, Code: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode body: %v", model.ErrInvalidRequest, err)
	}
	return nil
}
