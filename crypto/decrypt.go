package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Open decrypts a message using authenticated public-key encryption.
// Any tampering with the ciphertext, nonce, or keys fails authentication.
func Open(ciphertext []byte, nonce Nonce, senderPK [32]byte, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) < box.Overhead {
		return nil, errors.New("ciphertext shorter than authentication overhead")
	}

	decrypted, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&senderPK), (*[32]byte)(&recipientSK))
	if !ok {
		return nil, errors.New("decryption failed: message authentication failed")
	}

	return decrypted, nil
}

// OpenSymmetric decrypts a message using a symmetric key.
func OpenSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) < secretbox.Overhead {
		return nil, errors.New("ciphertext shorter than authentication overhead")
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, errors.New("decryption failed: message authentication failed")
	}

	return out, nil
}
