package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

// ErrNoKeyPair is returned by LoadKeyPair when no key pair has been
// generated and saved on this device yet.
var ErrNoKeyPair = errors.New("no key pair in key store")

// KeyStore persists the local key pair with AES-GCM encryption at rest.
// This provides defense-in-depth protection for the private key even if
// the filesystem is compromised. A KeyStore owns exactly one key pair.
type KeyStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the number of iterations for at-rest key
	// derivation (NIST recommendation).
	PBKDF2Iterations = 100000
	// keyStoreVersion is the current on-disk format version.
	keyStoreVersion = 1
	// SaltSize is the size of the salt for PBKDF2.
	SaltSize = 32
	// keyPairFile is the name of the encrypted key pair file.
	keyPairFile = "identity.key"
)

// NewKeyStore opens or creates a key store rooted at dataDir.
// masterPassword should be a user-provided passphrase or a secret from
// the platform keyring (the biometric gate, where available, protects
// that secret rather than this file). The password slice is wiped
// before returning.
func NewKeyStore(dataDir string, masterPassword []byte) (*KeyStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &KeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)

	ZeroBytes(derivedKey)
	ZeroBytes(masterPassword)

	return ks, nil
}

// loadOrGenerateSalt loads the existing salt or generates a new one.
func (ks *KeyStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)

	data, err := os.ReadFile(ks.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}

	copy(salt, data)
	return salt, nil
}

// SaveKeyPair encrypts and persists the key pair. Only the private half
// is written; the public half is re-derived on load. The write is
// atomic (temporary file + rename) so a crash never leaves a truncated
// key file behind.
//
// On-disk format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *KeyStore) SaveKeyPair(keyPair *KeyPair) error {
	if keyPair == nil {
		return errors.New("cannot save nil key pair")
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	plaintext := make([]byte, 32)
	copy(plaintext, keyPair.Private[:])
	defer ZeroBytes(plaintext)

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], keyStoreVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(ks.dataDir, keyPairFile+".tmp")
	finalFile := filepath.Join(ks.dataDir, keyPairFile)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename key file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SaveKeyPair",
		"key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Key pair persisted to key store")

	return nil
}

// LoadKeyPair reads and decrypts the stored key pair. Returns
// ErrNoKeyPair if none has been saved, or an error if the file is
// corrupted or the master password is wrong.
func (ks *KeyStore) LoadKeyPair() (*KeyPair, error) {
	filePath := filepath.Join(ks.dataDir, keyPairFile)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKeyPair
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	// Minimum size: version + nonce + tag.
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("key file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != keyStoreVersion {
		return nil, fmt.Errorf("unsupported key store version: %d (expected %d)", version, keyStoreVersion)
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("key file too short for nonce: %d bytes", len(data))
	}

	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("key decryption failed (wrong password or corrupted data): %w", err)
	}
	defer ZeroBytes(plaintext)

	if len(plaintext) != 32 {
		return nil, fmt.Errorf("invalid private key length: %d", len(plaintext))
	}

	var secretKey [32]byte
	copy(secretKey[:], plaintext)

	keyPair, err := FromSecretKey(secretKey)
	ZeroBytes(secretKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild key pair: %w", err)
	}

	return keyPair, nil
}

// HasKeyPair reports whether a key pair has been saved in this store.
func (ks *KeyStore) HasKeyPair() bool {
	_, err := os.Stat(filepath.Join(ks.dataDir, keyPairFile))
	return err == nil
}

// DeleteKeyPair securely deletes the stored key pair, overwriting the
// file with zeros before removal (best effort).
func (ks *KeyStore) DeleteKeyPair() error {
	filePath := filepath.Join(ks.dataDir, keyPairFile)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to stat key file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}

	return os.Remove(filePath)
}

// Close securely wipes the at-rest encryption key from memory.
// After calling Close, the KeyStore must not be used.
func (ks *KeyStore) Close() error {
	ZeroBytes(ks.encryptionKey[:])
	return nil
}
