package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"secure_exchange/internal/cryptographic/signature"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/binder"
)

type addressKey struct{}

func addressFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(addressKey{}).(string)
	return addr, ok
}

// authenticate resolves the caller from a signature over
// "METHOD PATH[?QUERY]\nts\nnonce".
// Request nonces share the envelope store under their own namespace.
func (s *HttpServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := s.verifyCaller(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), addressKey{}, addr)))
	})
}

func (s *HttpServer) verifyCaller(r *http.Request) (string, error) {
	addr, err := signature.NormalizeAddress(r.Header.Get(model.HeaderAddress))
	if err != nil {
		return "", fmt.Errorf("%w: %s header", model.ErrSignature, model.HeaderAddress)
	}
	ts, err := strconv.ParseInt(r.Header.Get(model.HeaderTimestamp), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %s header", model.ErrInvalidRequest, model.HeaderTimestamp)
	}
	nonce := r.Header.Get(model.HeaderNonce)
	sig := r.Header.Get(model.HeaderSignature)
	if sig == "" {
		return "", fmt.Errorf("%w: missing %s header", model.ErrSignature, model.HeaderSignature)
	}

	target := binder.RequestTarget(r.URL.Path, r.URL.RawQuery)
	if err := binder.VerifyRequest(r.Method, target, ts, nonce, sig, addr); err != nil {
		return "", err
	}
	if err := s.authGuard.Check(r.Context(), nonce, ts); err != nil {
		return "", err
	}
	return addr, nil
}
