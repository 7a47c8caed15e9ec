package kdf

import (
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

// PairKey hashes the x coordinate of an ECDH shared point into a 32-byte AEAD key.
// Both parties must use the same hash, otherwise the derived keys differ.
func PairKey(sharedX []byte) []byte {
	sum := sha256.Sum256(sharedX)
	return sum[:]
}

// PassphraseKey stretches a passphrase with argon2id for the local keystore.
func PassphraseKey(passphrase string, salt []byte, size uint32) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, size)
}
