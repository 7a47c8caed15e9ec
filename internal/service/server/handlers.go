package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/encryption"
	"secure_exchange/internal/cryptographic/signature"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/binder"
	"secure_exchange/internal/utils/log"
	"secure_exchange/internal/utils/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	maxMetadataEntries = 16
	maxMetadataKeyLen  = 64
	maxMetadataValLen  = 256
	maxDataTypeLen     = 64
	maxAckErrorLen     = 512
)

var (
	secretKeyParts  = []string{"key", "secret", "token", "password", "auth"}
	identifierWords = map[string]bool{"id": true, "uuid": true, "guid": true}
)

func (s *HttpServer) Send() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sender, _ := addressFrom(ctx)

		if !s.limiter.Allow(sender, s.now()) {
			writeError(w, r, fmt.Errorf("%w: sender %s", model.ErrRateLimited, sender))
			return
		}

		var req model.SendRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}

		env, err := s.accept(ctx, sender, &req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		metrics.EnvelopesAccepted.WithLabelValues(string(env.DataType)).Inc()

		delivery := s.notify(ctx, env)
		log.Info("envelope accepted",
			zap.String("messageId", env.MessageID),
			zap.String("sender", env.SenderAddress),
			zap.String("recipient", env.RecipientAddress),
			zap.String("dataType", string(env.DataType)),
			zap.String("delivery", delivery),
		)
		writeJSON(w, http.StatusOK, &model.SendResponse{
			MessageID:        env.MessageID,
			RecipientAddress: env.RecipientAddress,
			Status:           env.Status,
			DeliveryStatus:   delivery,
		})
	}
}

// accept validates and stores one envelope. The nonce is consumed only after the
// signature and recipient checks pass, and is released if nothing was stored.
func (s *HttpServer) accept(ctx context.Context, sender string, req *model.SendRequest) (*model.Envelope, error) {
	recipient, err := signature.NormalizeAddress(req.RecipientAddress)
	if err != nil {
		return nil, err
	}
	if req.DataType == "" || len(req.DataType) > maxDataTypeLen {
		return nil, fmt.Errorf("%w: dataType", model.ErrInvalidRequest)
	}
	if !encryption.WellFormed(req.EncryptedData) {
		return nil, fmt.Errorf("%w: encryptedData is not an envelope", model.ErrInvalidRequest)
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	signer := sender
	if req.SignerAddress != "" && !strings.EqualFold(req.SignerAddress, sender) {
		if !s.relay.AllowSignerSplit {
			return nil, fmt.Errorf("%w: signer %s differs from sender", model.ErrSignature, req.SignerAddress)
		}
		if signer, err = signature.NormalizeAddress(req.SignerAddress); err != nil {
			return nil, err
		}
	}

	if err := binder.Verify(binder.PayloadOfRequest(req), req.Signature, signer); err != nil {
		return nil, err
	}

	rec, err := s.directory.Get(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("recipient %s has no registered key: %w", recipient, model.ErrNotFound)
	}

	if err := s.envelopeGuard.Check(ctx, req.Nonce, req.Timestamp); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	env := &model.Envelope{
		MessageID:        uuid.NewString(),
		SenderAddress:    sender,
		RecipientAddress: recipient,
		EncryptedData:    req.EncryptedData,
		Signature:        req.Signature,
		DataType:         req.DataType,
		Metadata:         req.Metadata,
		Nonce:            req.Nonce,
		Timestamp:        req.Timestamp,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.relay.EnvelopeTTL),
		Status:           model.StatusPending,
	}
	if signer != sender {
		env.SignerAddress = signer
	}
	if err := s.messages.Create(ctx, env); err != nil {
		// nothing was stored, let the sender retry the same envelope
		if rerr := s.envelopeGuard.Release(ctx, req.Nonce); rerr != nil {
			log.Warn("release envelope nonce failed", zap.String("sender", sender), zap.Error(rerr))
		}
		return nil, err
	}
	return env, nil
}

// notify is best effort. The envelope stays pending whatever happens here.
func (s *HttpServer) notify(ctx context.Context, env *model.Envelope) string {
	err := s.notifier.Notify(ctx, model.Notification{
		MessageID:        env.MessageID,
		RecipientAddress: env.RecipientAddress,
		DataType:         env.DataType,
	})
	switch {
	case err == nil:
		return model.DeliveryNotified
	case errors.Is(err, ErrNotConnected):
		return model.DeliveryQueued
	default:
		metrics.NotificationFailures.Inc()
		log.Warn("notify recipient failed", zap.String("messageId", env.MessageID), zap.Error(err))
		return model.DeliveryQueued
	}
}

// validateMetadata keeps routing metadata to a few short tags. Identifiers and
// anything that looks like secret material belong inside the encrypted payload.
func validateMetadata(md map[string]string) error {
	if len(md) > maxMetadataEntries {
		return fmt.Errorf("%w: metadata has %d entries", model.ErrInvalidRequest, len(md))
	}
	for k, v := range md {
		lk := strings.ToLower(strings.TrimSpace(k))
		if lk == "" || len(k) > maxMetadataKeyLen || len(v) > maxMetadataValLen {
			return fmt.Errorf("%w: metadata entry %q", model.ErrInvalidRequest, k)
		}
		for _, part := range secretKeyParts {
			if strings.Contains(lk, part) {
				return fmt.Errorf("%w: metadata key %q may carry secret material", model.ErrInvalidRequest, k)
			}
		}
		for _, word := range keyWords(k) {
			if identifierWords[word] {
				return fmt.Errorf("%w: metadata key %q is an identifier", model.ErrInvalidRequest, k)
			}
		}
	}
	return nil
}

// keyWords splits a metadata key into lower-cased words at separators and
// camel-case boundaries: "patientID" and "patient_id" both yield "patient", "id".
func keyWords(k string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(k)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
			continue
		case unicode.IsUpper(r) && i > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func (s *HttpServer) Pending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		recipient, _ := addressFrom(ctx)

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, r, fmt.Errorf("%w: limit", model.ErrInvalidRequest))
				return
			}
			limit = min(n, s.relay.MaxPendingLimit)
		}
		dataType := model.DataType(r.URL.Query().Get("dataType"))

		now := s.now().UTC()
		envs, err := s.messages.ListPending(ctx, recipient, dataType, limit, now)
		if err != nil {
			writeError(w, r, err)
			return
		}

		var ids []string
		for _, env := range envs {
			if env.Status == model.StatusPending {
				ids = append(ids, env.MessageID)
			}
		}
		if len(ids) > 0 {
			if err := s.messages.MarkDelivered(ctx, recipient, ids, now); err != nil {
				writeError(w, r, err)
				return
			}
			for _, env := range envs {
				if env.Status == model.StatusPending {
					env.Status = model.StatusDelivered
					env.DeliveredAt = &now
				}
			}
		}
		writeJSON(w, http.StatusOK, &model.PendingResponse{Messages: envs})
	}
}

func (s *HttpServer) Acknowledge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		recipient, _ := addressFrom(ctx)

		var req model.AckRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.MessageID == "" {
			writeError(w, r, fmt.Errorf("%w: messageId required", model.ErrInvalidRequest))
			return
		}
		ackStatus := req.Status
		if ackStatus == "" {
			ackStatus = model.AckAcknowledged
		}
		if ackStatus != model.AckAcknowledged && ackStatus != model.AckFailed {
			writeError(w, r, fmt.Errorf("%w: ack status %q", model.ErrInvalidRequest, req.Status))
			return
		}
		errMsg := req.ErrorMessage
		if len(errMsg) > maxAckErrorLen {
			errMsg = errMsg[:maxAckErrorLen]
		}

		env, err := s.messages.MarkAcknowledged(ctx, recipient, req.MessageID, ackStatus, errMsg, s.now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		metrics.Acknowledgements.WithLabelValues(env.AckStatus).Inc()
		if env.AckStatus == model.AckFailed {
			log.Warn("recipient reported failure",
				zap.String("messageId", env.MessageID),
				zap.String("recipient", recipient),
				zap.String("error", env.ErrorMessage),
			)
		}
		writeJSON(w, http.StatusOK, &model.AckResponse{
			MessageID:    env.MessageID,
			Status:       env.Status,
			AckStatus:    env.AckStatus,
			ErrorMessage: env.ErrorMessage,
		})
	}
}

// GetMessage lets either party of an envelope read its lifecycle state.
func (s *HttpServer) GetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, _ := addressFrom(ctx)

		env, err := s.messages.Get(ctx, mux.Vars(r)["messageId"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		if env.RecipientAddress != caller && env.SenderAddress != caller {
			writeError(w, r, fmt.Errorf("message %s: %w", env.MessageID, model.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, env)
	}
}

func (s *HttpServer) GetRecipientPubKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		addr, err := signature.NormalizeAddress(mux.Vars(r)["address"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		rec, err := s.directory.Get(ctx, addr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if rec == nil {
			writeError(w, r, fmt.Errorf("public key of %s: %w", addr, model.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// RegisterPubKey publishes an encryption key. The key must derive the claimed
// address and the registration must be signed by that address.
func (s *HttpServer) RegisterPubKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req model.RegisterKeyRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		rec, err := s.register(ctx, &req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		log.Info("public key registered", zap.String("address", rec.Address))
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *HttpServer) register(ctx context.Context, req *model.RegisterKeyRequest) (*model.PublicKeyRecord, error) {
	addr, err := signature.NormalizeAddress(req.Address)
	if err != nil {
		return nil, err
	}
	compressed, err := dh.CompressPublicKey(req.EncryptionPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	derived, err := dh.AddressFromPublicKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	if derived != addr {
		return nil, fmt.Errorf("%w: key belongs to %s", model.ErrInvalidRequest, derived)
	}

	reg := binder.Registration{
		Address:   addr,
		PublicKey: req.EncryptionPublicKey,
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
	}
	if err := binder.VerifyRegistration(reg, req.Signature); err != nil {
		return nil, err
	}
	if err := s.authGuard.Check(ctx, req.Nonce, req.Timestamp); err != nil {
		return nil, err
	}

	rec := &model.PublicKeyRecord{
		Address:             addr,
		EncryptionPublicKey: compressed,
		UpdatedAt:           s.now().UTC(),
	}
	if err := s.directory.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
