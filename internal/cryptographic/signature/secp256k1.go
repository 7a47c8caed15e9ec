package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"secure_exchange/internal/model"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const sigLen = 65

// Sign produces an EIP-191 personal signature over message, 0x-prefixed, v in {27,28}.
func Sign(priv *ecdsa.PrivateKey, message []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), priv)
	if err != nil {
		return "", fmt.Errorf("crypto.Sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress returns the lower-cased address that produced sigHex over message.
func RecoverAddress(message []byte, sigHex string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(raw) != sigLen {
		return "", fmt.Errorf("%w: malformed signature", model.ErrSignature)
	}
	sig := make([]byte, sigLen)
	copy(sig, raw)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", fmt.Errorf("%w: invalid recovery id", model.ErrSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify checks that sigHex over message recovers to expected (case-insensitive).
func Verify(message []byte, sigHex, expected string) error {
	recovered, err := RecoverAddress(message, sigHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, expected) {
		return fmt.Errorf("%w: recovered %s, expected %s", model.ErrSignature, recovered, strings.ToLower(expected))
	}
	return nil
}

// NormalizeAddress validates a hex address and returns its lower-cased 0x form.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", fmt.Errorf("%w: address %q must be 0x-prefixed", model.ErrInvalidRequest, addr)
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: malformed address %q", model.ErrInvalidRequest, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}
