package encryption

import "errors"

// Sentinel errors for the encryption engine. Callers match with
// errors.Is. None of these, nor anything wrapped around them, ever
// carries key material, plaintext, or PIN-derived secrets.
var (
	// ErrNoKey means no key pair has been generated or loaded yet.
	ErrNoKey = errors.New("no key pair available")

	// ErrKeyGen means key generation or persistence failed.
	ErrKeyGen = errors.New("key generation failed")

	// ErrNoRecipients means encrypt was called with an empty recipient list.
	ErrNoRecipients = errors.New("no recipients provided")

	// ErrEncryptFailed means encryption failed for any reason other than
	// an empty recipient list. Content is never sent unencrypted.
	ErrEncryptFailed = errors.New("encryption failed")

	// ErrDecryptFailed means authentication failed, the payload was
	// malformed, or no envelope exists for the local identity.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrIdentityNotSet means a broadcast or shared-key payload was
	// decrypted before SetIdentity registered the local identity.
	ErrIdentityNotSet = errors.New("local identity not set")

	// ErrBackupRestore means the PIN was wrong, the backup was tampered
	// with, or a backup field was malformed.
	ErrBackupRestore = errors.New("backup restore failed")
)
