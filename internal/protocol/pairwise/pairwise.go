package pairwise

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/encryption"
	"secure_exchange/internal/cryptographic/signature"
	"secure_exchange/internal/model"
	"secure_exchange/internal/protocol/binder"
)

const nonceSize = 16

type (
	Message struct {
		Recipient          string
		RecipientPublicKey string
		DataType           model.DataType
		Plaintext          []byte
		Metadata           map[string]string
	}
)

func NewNonce() (string, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Seal encrypts m for its recipient under the pair key of local and the recipient's
// public key, then signs the envelope. signer may be nil, in which case local signs.
func Seal(local, signer *dh.KeyPair, m Message, now time.Time) (*model.SendRequest, error) {
	recipient, err := signature.NormalizeAddress(m.Recipient)
	if err != nil {
		return nil, err
	}
	if m.DataType == "" {
		return nil, fmt.Errorf("%w: data type required", model.ErrInvalidRequest)
	}

	key, err := dh.Agree(local.Private, m.RecipientPublicKey)
	if err != nil {
		return nil, err
	}
	ct, err := encryption.Encrypt(key, m.Plaintext)
	if err != nil {
		return nil, err
	}

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	if signer == nil {
		signer = local
	}
	ts := now.UnixMilli()
	sig, err := binder.Sign(signer, binder.NewPayload(recipient, ts, nonce, ct))
	if err != nil {
		return nil, err
	}

	req := &model.SendRequest{
		RecipientAddress: recipient,
		EncryptedData:    ct,
		Signature:        sig,
		Timestamp:        ts,
		Nonce:            nonce,
		DataType:         m.DataType,
		Metadata:         m.Metadata,
	}
	if signer.Address() != local.Address() {
		req.SignerAddress = signer.Address()
	}
	return req, nil
}

// Open verifies env's signature and decrypts it with the sender's public key.
func Open(local *dh.KeyPair, env *model.Envelope, senderPublicKey string) ([]byte, error) {
	if !strings.EqualFold(env.RecipientAddress, local.Address()) {
		return nil, fmt.Errorf("%w: envelope %s is not addressed to %s", model.ErrInvalidRequest, env.MessageID, local.Address())
	}
	if err := binder.VerifyEnvelope(env); err != nil {
		return nil, err
	}
	key, err := dh.Agree(local.Private, senderPublicKey)
	if err != nil {
		return nil, err
	}
	return encryption.Decrypt(key, env.EncryptedData)
}
