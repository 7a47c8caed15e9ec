package dh

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"secure_exchange/internal/cryptographic/kdf"
	"secure_exchange/internal/model"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
)

type (
	// KeyPair is a principal's secp256k1 key. The same scalar signs and agrees.
	KeyPair struct {
		Private *ecdsa.PrivateKey
	}
)

// Generate a new secp256k1 key pair
func NewKeyPair() (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &KeyPair{Private: priv}, nil
}

func KeyPairFromHex(privHex string) (*KeyPair, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeyPair{Private: priv}, nil
}

func (k *KeyPair) PrivateBytes() []byte {
	return crypto.FromECDSA(k.Private)
}

// Address is the lower-cased 0x-prefixed address derived from the public key.
func (k *KeyPair) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(k.Private.PublicKey).Hex())
}

// PublicKeyHex returns the 33-byte compressed public key, 0x-prefixed.
func (k *KeyPair) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(crypto.CompressPubkey(&k.Private.PublicKey))
}

// NormalizePublicKey accepts a compressed or uncompressed point and returns the
// 65-byte uncompressed form. Every agreement goes through here.
func NormalizePublicKey(pubHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(pubHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex", model.ErrKeyAgreement)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}
	return pub.SerializeUncompressed(), nil
}

// CompressPublicKey returns the 0x-prefixed 33-byte form of either encoding.
func CompressPublicKey(pubHex string) (string, error) {
	uncompressed, err := NormalizePublicKey(pubHex)
	if err != nil {
		return "", err
	}
	pub, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}
	return "0x" + hex.EncodeToString(pub.SerializeCompressed()), nil
}

// AddressFromPublicKey derives the lower-cased address of a public key.
func AddressFromPublicKey(pubHex string) (string, error) {
	uncompressed, err := NormalizePublicKey(pubHex)
	if err != nil {
		return "", err
	}
	pub, err := crypto.UnmarshalPubkey(uncompressed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// SharedSecret performs priv * peer and returns the x coordinate of the shared point.
func SharedSecret(priv *ecdsa.PrivateKey, peerPubHex string) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: missing private key", model.ErrKeyAgreement)
	}
	uncompressed, err := NormalizePublicKey(peerPubHex)
	if err != nil {
		return nil, err
	}
	pub, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyAgreement, err)
	}

	scalar := crypto.FromECDSA(priv)
	defer zero(scalar)
	return secp256k1.GenerateSharedSecret(secp256k1.PrivKeyFromBytes(scalar), pub), nil
}

// Agree derives the symmetric pair key. agree(a, B) == agree(b, A).
func Agree(priv *ecdsa.PrivateKey, peerPubHex string) ([]byte, error) {
	x, err := SharedSecret(priv, peerPubHex)
	if err != nil {
		return nil, err
	}
	defer zero(x)
	return kdf.PairKey(x), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
