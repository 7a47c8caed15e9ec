package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/kdf"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileVersion = 1
	saltSize    = 16
	filePrefix  = "SXKEY1\n"
)

var (
	ErrAuthFailed = errors.New("keystore authentication failed")
	ErrInvalid    = errors.New("keystore file is invalid")
)

type file struct {
	Version    uint32 `json:"version"`
	Address    string `json:"address"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts the private scalar of kp under passphrase.
func Seal(passphrase string, kp *dh.KeyPair) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := kdf.PassphraseKey(passphrase, salt, chacha20poly1305.KeySize)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	scalar := kp.PrivateBytes()
	defer zero(scalar)

	address := kp.Address()
	raw, err := json.Marshal(&file{
		Version:    fileVersion,
		Address:    address,
		KDF:        "argon2id",
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, scalar, []byte(address)),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func Open(passphrase string, data []byte) (*dh.KeyPair, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrInvalid
	}
	var f file
	if err := json.Unmarshal(data[len(filePrefix):], &f); err != nil {
		return nil, ErrInvalid
	}
	if f.Version != fileVersion || f.KDF != "argon2id" {
		return nil, ErrInvalid
	}
	key := kdf.PassphraseKey(passphrase, f.Salt, chacha20poly1305.KeySize)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	scalar, err := aead.Open(nil, f.Nonce, f.Ciphertext, []byte(f.Address))
	if err != nil {
		return nil, ErrAuthFailed
	}
	defer zero(scalar)

	kp, err := dh.KeyPairFromHex(fmt.Sprintf("%x", scalar))
	if err != nil {
		return nil, ErrInvalid
	}
	if kp.Address() != f.Address {
		return nil, ErrInvalid
	}
	return kp, nil
}

func Save(path, passphrase string, kp *dh.KeyPair) error {
	data, err := Seal(passphrase, kp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func Load(path, passphrase string) (*dh.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(passphrase, data)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
