package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintSize is the length in bytes of a public-key fingerprint.
const FingerprintSize = 16

// Fingerprint computes a fixed-length one-way hash of a public key,
// used for out-of-band identity verification. The result is the first
// 16 bytes of SHA-256 over the raw key, so it is deterministic and
// reveals nothing about the private half.
func Fingerprint(publicKey [32]byte) [FingerprintSize]byte {
	sum := sha256.Sum256(publicKey[:])
	var fp [FingerprintSize]byte
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

// FingerprintHex returns the fingerprint as a 32-character lower-case
// hex string, the form shown to users for comparison.
func FingerprintHex(publicKey [32]byte) string {
	fp := Fingerprint(publicKey)
	return hex.EncodeToString(fp[:])
}
