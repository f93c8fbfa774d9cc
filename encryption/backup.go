package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/bertvancapelle/CommEazy-sub001/crypto"
)

// BackupVersion is the current backup export format version.
const BackupVersion = 1

// Argon2id parameters for the PIN-derived backup key. Memory-hard so a
// stolen backup cannot be brute-forced cheaply.
const (
	backupSaltSize = 16
	argon2Time     = 3
	argon2Memory   = 64 * 1024 // KiB
	argon2Threads  = 4
	argon2KeyLen   = 32
)

// Backup is the opaque export format for a PIN-protected private key.
// It does not expire; the public key is re-derived on restore rather
// than stored.
type Backup struct {
	Salt      string `json:"salt"`      // base64
	IV        string `json:"iv"`        // base64 secretbox nonce
	Encrypted string `json:"encrypted"` // base64 ciphertext+tag
	Version   int    `json:"version"`
}

// CreateBackup encrypts the private key under a key derived from pin
// with a fresh salt and nonce. The derived key is wiped on every exit
// path. Neither the PIN nor the derived key is ever logged.
func (e *Engine) CreateBackup(pin string) (*Backup, error) {
	e.mu.RLock()
	keyPair := e.keyPair
	e.mu.RUnlock()

	if keyPair == nil {
		return nil, ErrNoKey
	}

	salt := make([]byte, backupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate backup salt: %w", err)
	}

	derived := argon2.IDKey([]byte(pin), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer crypto.ZeroBytes(derived)

	var backupKey [32]byte
	copy(backupKey[:], derived)
	defer crypto.ZeroBytes(backupKey[:])

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup nonce: %w", err)
	}

	privateCopy := make([]byte, 32)
	copy(privateCopy, keyPair.Private[:])
	defer crypto.ZeroBytes(privateCopy)

	ciphertext, err := crypto.SealSymmetric(privateCopy, nonce, backupKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	logrus.WithField("function", "CreateBackup").Info("Key backup created")

	return &Backup{
		Salt:      base64.StdEncoding.EncodeToString(salt),
		IV:        base64.StdEncoding.EncodeToString(nonce[:]),
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		Version:   BackupVersion,
	}, nil
}

// RestoreBackup re-derives the backup key from pin, decrypts the
// private key, re-derives the public key, persists the pair, and
// returns it. A wrong PIN, tampered data, or malformed fields all fail
// with ErrBackupRestore, and nothing is mutated in that case. The
// derived key is wiped on every exit path, including errors.
func (e *Engine) RestoreBackup(pin string, backup *Backup) (*crypto.KeyPair, error) {
	if backup == nil {
		return nil, fmt.Errorf("%w: nil backup", ErrBackupRestore)
	}

	salt, err := base64.StdEncoding.DecodeString(backup.Salt)
	if err != nil || len(salt) != backupSaltSize {
		return nil, fmt.Errorf("%w: malformed salt", ErrBackupRestore)
	}

	ivBytes, err := base64.StdEncoding.DecodeString(backup.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed iv", ErrBackupRestore)
	}
	var nonce crypto.Nonce
	if len(ivBytes) != len(nonce) {
		return nil, fmt.Errorf("%w: malformed iv", ErrBackupRestore)
	}
	copy(nonce[:], ivBytes)

	ciphertext, err := base64.StdEncoding.DecodeString(backup.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrBackupRestore)
	}

	derived := argon2.IDKey([]byte(pin), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer crypto.ZeroBytes(derived)

	var backupKey [32]byte
	copy(backupKey[:], derived)
	defer crypto.ZeroBytes(backupKey[:])

	privateBytes, err := crypto.OpenSymmetric(ciphertext, nonce, backupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrBackupRestore)
	}
	defer crypto.ZeroBytes(privateBytes)

	if len(privateBytes) != 32 {
		return nil, fmt.Errorf("%w: invalid private key length", ErrBackupRestore)
	}

	var secretKey [32]byte
	copy(secretKey[:], privateBytes)
	defer crypto.ZeroBytes(secretKey[:])

	keyPair, err := crypto.FromSecretKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", ErrBackupRestore)
	}

	if err := e.store.SaveKeyPair(keyPair); err != nil {
		crypto.WipeKeyPair(keyPair)
		return nil, fmt.Errorf("failed to persist restored key pair: %w", err)
	}

	e.mu.Lock()
	e.keyPair = keyPair
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "RestoreBackup",
		"key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Key pair restored from backup")

	return keyPair, nil
}
