package model

import (
	"errors"
	"net/http"
)

var (
	ErrKeyAgreement      = errors.New("key agreement failed")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrSignature         = errors.New("signature does not match signer")
	ErrExpiredTimestamp  = errors.New("timestamp outside validity window")
	ErrReplayDetected    = errors.New("nonce already used")
	ErrNotFound          = errors.New("not found")
	ErrTransientIO       = errors.New("transient io failure")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRateLimited       = errors.New("rate limited")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{ErrSignature, "signature_invalid", http.StatusUnauthorized},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{ErrReplayDetected, "replay_detected", http.StatusConflict},
	{ErrExpiredTimestamp, "expired_timestamp", http.StatusUnprocessableEntity},
	{ErrKeyAgreement, "key_agreement", http.StatusBadRequest},
	{ErrIntegrity, "integrity", http.StatusBadRequest},
	{ErrRateLimited, "rate_limited", http.StatusTooManyRequests},
	{ErrTransientIO, "unavailable", http.StatusServiceUnavailable},
}

// IsSecurity reports whether err is an authenticity, integrity or replay failure.
// These are permanent for the given input and must be logged as possible attacks.
func IsSecurity(err error) bool {
	return errors.Is(err, ErrKeyAgreement) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrSignature) ||
		errors.Is(err, ErrExpiredTimestamp) ||
		errors.Is(err, ErrReplayDetected)
}

func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// ErrorCode maps err to its wire code and HTTP status.
func ErrorCode(err error) (string, int) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// CodeError maps a wire code back to its sentinel, or nil when unknown.
func CodeError(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
