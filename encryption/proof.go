package encryption

import (
	"encoding/base64"
	"encoding/json"

	"github.com/bertvancapelle/CommEazy-sub001/crypto"
)

// ProofVersion is the current identity-proof format version.
const ProofVersion = 1

// IdentityProof is a compact record for out-of-band key verification:
// the public key plus a fingerprint the peer can recompute and compare.
type IdentityProof struct {
	PublicKey   string `json:"pk"` // base64 raw public key
	Fingerprint string `json:"fp"` // 32 lower-case hex chars
	Version     int    `json:"v"`
}

// GenerateIdentityProof builds the deterministic proof for the local
// key pair. Fails with ErrNoKey before a key pair exists.
func (e *Engine) GenerateIdentityProof() (*IdentityProof, error) {
	publicKey, err := e.PublicKey()
	if err != nil {
		return nil, err
	}

	return &IdentityProof{
		PublicKey:   base64.StdEncoding.EncodeToString(publicKey[:]),
		Fingerprint: crypto.FingerprintHex(publicKey),
		Version:     ProofVersion,
	}, nil
}

// VerifyIdentityProof checks a serialized proof against the public key
// we expect the peer to hold. It returns false, never an error, on
// malformed JSON, missing fields, a key mismatch, or a fingerprint that
// does not recompute; true only when both the key and the fingerprint
// match.
func VerifyIdentityProof(proofJSON []byte, expectedPublicKey [32]byte) bool {
	var proof IdentityProof
	if err := json.Unmarshal(proofJSON, &proof); err != nil {
		return false
	}
	if proof.PublicKey == "" || proof.Fingerprint == "" {
		return false
	}

	keyBytes, err := base64.StdEncoding.DecodeString(proof.PublicKey)
	if err != nil || len(keyBytes) != 32 {
		return false
	}

	var claimed [32]byte
	copy(claimed[:], keyBytes)
	if claimed != expectedPublicKey {
		return false
	}

	return proof.Fingerprint == crypto.FingerprintHex(expectedPublicKey)
}
