package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"secure_exchange/internal/model"
)

const (
	IVSize  = 12
	TagSize = 16

	ivHexLen  = IVSize * 2
	tagHexLen = TagSize * 2
)

// AES-256-GCM helper. key must be 32 bytes, as produced by the pair or group KDF.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aead key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under key with a fresh random IV and returns
// hex(iv) || hex(tag) || hex(ciphertext).
func Encrypt(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("rand.Read iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return hex.EncodeToString(iv) + hex.EncodeToString(tag) + hex.EncodeToString(ct), nil
}

// Decrypt splits an envelope produced by Encrypt at its fixed offsets and opens it.
// Any malformed input or tag mismatch yields model.ErrIntegrity.
func Decrypt(key []byte, envelopeHex string) ([]byte, error) {
	iv, tag, ct, err := Split(envelopeHex)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: aead.Open: %v", model.ErrIntegrity, err)
	}
	return plain, nil
}

// Split decodes the three envelope parts.
func Split(envelopeHex string) (iv, tag, ct []byte, err error) {
	if len(envelopeHex) < ivHexLen+tagHexLen || len(envelopeHex)%2 != 0 {
		return nil, nil, nil, fmt.Errorf("%w: envelope too short", model.ErrIntegrity)
	}
	if iv, err = hex.DecodeString(envelopeHex[:ivHexLen]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv is not hex", model.ErrIntegrity)
	}
	if tag, err = hex.DecodeString(envelopeHex[ivHexLen : ivHexLen+tagHexLen]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: tag is not hex", model.ErrIntegrity)
	}
	if ct, err = hex.DecodeString(envelopeHex[ivHexLen+tagHexLen:]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: ciphertext is not hex", model.ErrIntegrity)
	}
	return iv, tag, ct, nil
}

// WellFormed reports whether s has the envelope layout, without decrypting it.
func WellFormed(s string) bool {
	_, _, _, err := Split(s)
	return err == nil
}
