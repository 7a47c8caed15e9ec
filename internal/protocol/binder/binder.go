package binder

import (
	"encoding/json"
	"fmt"
	"strings"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/signature"
	"secure_exchange/internal/model"

	"github.com/ethereum/go-ethereum/crypto"
)

type (
	// Payload is the signable form of an envelope. Field order is fixed by the
	// struct, so its JSON encoding is canonical.
	Payload struct {
		RecipientAddress string `json:"recipientAddress"`
		Timestamp        int64  `json:"timestamp"`
		Nonce            string `json:"nonce"`
		DataHash         string `json:"dataHash"`
	}

	// Registration is the signable form of a public key registration.
	Registration struct {
		Address   string `json:"address"`
		PublicKey string `json:"publicKey"`
		Timestamp int64  `json:"timestamp"`
		Nonce     string `json:"nonce"`
	}
)

// DataHash is keccak256 over the ciphertext hex string, 0x-prefixed.
func DataHash(ciphertextHex string) string {
	return crypto.Keccak256Hash([]byte(ciphertextHex)).Hex()
}

func NewPayload(recipient string, timestamp int64, nonce, ciphertextHex string) Payload {
	return Payload{
		RecipientAddress: strings.ToLower(recipient),
		Timestamp:        timestamp,
		Nonce:            nonce,
		DataHash:         DataHash(ciphertextHex),
	}
}

func PayloadOf(env *model.Envelope) Payload {
	return NewPayload(env.RecipientAddress, env.Timestamp, env.Nonce, env.EncryptedData)
}

func PayloadOfRequest(req *model.SendRequest) Payload {
	return NewPayload(req.RecipientAddress, req.Timestamp, req.Nonce, req.EncryptedData)
}

func (p Payload) Bytes() []byte {
	b, _ := json.Marshal(p)
	return b
}

func (r Registration) Bytes() []byte {
	r.Address = strings.ToLower(r.Address)
	b, _ := json.Marshal(r)
	return b
}

func Sign(kp *dh.KeyPair, p Payload) (string, error) {
	return signature.Sign(kp.Private, p.Bytes())
}

// Verify checks that sig over p recovers to signer. Any tampered field changes the
// serialization and therefore the recovered address.
func Verify(p Payload, sig, signer string) error {
	if err := signature.Verify(p.Bytes(), sig, signer); err != nil {
		return fmt.Errorf("envelope signature: %w", err)
	}
	return nil
}

// VerifyEnvelope checks a stored envelope against its signer, or its sender when the
// envelope carries no separate signer.
func VerifyEnvelope(env *model.Envelope) error {
	return Verify(PayloadOf(env), env.Signature, env.Signer())
}

func SignRegistration(kp *dh.KeyPair, r Registration) (string, error) {
	return signature.Sign(kp.Private, r.Bytes())
}

func VerifyRegistration(r Registration, sig string) error {
	if err := signature.Verify(r.Bytes(), sig, r.Address); err != nil {
		return fmt.Errorf("registration signature: %w", err)
	}
	return nil
}

// RequestTarget joins a path and its raw query the way they appear on the
// request line.
func RequestTarget(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

// RequestMessage is what a client signs to authenticate one relay call.
// target is the path plus raw query, see RequestTarget.
func RequestMessage(method, target string, timestamp int64, nonce string) []byte {
	return []byte(fmt.Sprintf("%s %s\n%d\n%s", strings.ToUpper(method), target, timestamp, nonce))
}

func SignRequest(kp *dh.KeyPair, method, target string, timestamp int64, nonce string) (string, error) {
	return signature.Sign(kp.Private, RequestMessage(method, target, timestamp, nonce))
}

// VerifyRequest returns nil when sig over the request line recovers to address.
func VerifyRequest(method, target string, timestamp int64, nonce, sig, address string) error {
	if err := signature.Verify(RequestMessage(method, target, timestamp, nonce), sig, address); err != nil {
		return fmt.Errorf("request signature: %w", err)
	}
	return nil
}
