package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// MaxMessageSize caps plaintext at 1MB to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// Seal encrypts a message for a single recipient using authenticated
// public-key encryption (NaCl box: sender private + recipient public).
// Empty messages are allowed; an empty text message is still a message.
func Seal(message []byte, nonce Nonce, recipientPK [32]byte, senderSK [32]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	encrypted := box.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&recipientPK), (*[32]byte)(&senderSK))
	return encrypted, nil
}

// SealSymmetric encrypts a message under a symmetric key using NaCl's
// secretbox, providing both confidentiality and integrity protection.
func SealSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))
	return out, nil
}

// GenerateSymmetricKey creates a random 32-byte key for secretbox use.
// Callers own the key and must wipe it with ZeroBytes when done.
func GenerateSymmetricKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [32]byte{}, err
	}
	return key, nil
}
