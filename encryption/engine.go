// Package encryption implements the CommEazy encryption engine.
//
// The engine owns the device key pair (through crypto.KeyStore), picks
// one of three encryption schemes per message based on recipient count,
// and handles identity proofs and PIN-protected key backups. Content is
// never sent unencrypted: every failure path returns an error rather
// than falling back to plaintext.
package encryption

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub001/crypto"
)

// Recipient pairs a directory identity with its public key. Recipients
// are built per send from directory lookups and never persisted here.
type Recipient struct {
	Identity  string
	PublicKey [32]byte
}

// Engine selects and executes encryption schemes and manages the key
// lifecycle. One Engine instance exclusively owns one key pair.
type Engine struct {
	mu       sync.RWMutex
	store    *crypto.KeyStore
	keyPair  *crypto.KeyPair
	identity string
}

// NewEngine creates an engine backed by the given key store. Call
// Initialize before any other method.
func NewEngine(store *crypto.KeyStore) *Engine {
	return &Engine{store: store}
}

// Initialize loads an existing key pair from secure storage. It is
// idempotent and a no-op when the device has no key pair yet; call
// GenerateKeyPair to create one.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keyPair != nil {
		return nil
	}

	keyPair, err := e.store.LoadKeyPair()
	if err != nil {
		if err == crypto.ErrNoKeyPair {
			logrus.WithField("function", "Initialize").
				Debug("No key pair in store yet")
			return nil
		}
		return fmt.Errorf("failed to load key pair: %w", err)
	}

	e.keyPair = keyPair
	logrus.WithFields(logrus.Fields{
		"function":   "Initialize",
		"key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Key pair loaded from key store")
	return nil
}

// GenerateKeyPair creates a fresh curve key pair and persists it.
// Fails with ErrKeyGen if generation or storage fails.
func (e *Engine) GenerateKeyPair() (*crypto.KeyPair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}

	if err := e.store.SaveKeyPair(keyPair); err != nil {
		crypto.WipeKeyPair(keyPair)
		return nil, fmt.Errorf("%w: storage: %v", ErrKeyGen, err)
	}

	e.keyPair = keyPair
	return keyPair, nil
}

// PublicKey returns the local public key, or ErrNoKey if no key pair
// exists yet.
func (e *Engine) PublicKey() ([32]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.keyPair == nil {
		return [32]byte{}, ErrNoKey
	}
	return e.keyPair.Public, nil
}

// HasKeyPair reports whether the engine holds a key pair.
func (e *Engine) HasKeyPair() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keyPair != nil
}

// SetIdentity registers the local directory identity, used to find this
// device's envelope in broadcast and shared-key payloads.
func (e *Engine) SetIdentity(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = identity
}

// Identity returns the registered local identity, empty if unset.
func (e *Engine) Identity() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity
}

// Encrypt encrypts plaintext for the given recipients, choosing the
// scheme from the recipient count (SelectMode). It never falls back to
// plaintext: any failure returns ErrNoRecipients or ErrEncryptFailed.
func (e *Engine) Encrypt(plaintext []byte, recipients []Recipient) (Payload, error) {
	mode, err := SelectMode(len(recipients))
	if err != nil {
		return nil, err
	}
	return e.EncryptWithMode(plaintext, recipients, mode)
}

// EncryptWithMode encrypts with an explicit scheme, used by group
// conversations whose mode was fixed once at creation and is not
// re-evaluated as membership churns.
func (e *Engine) EncryptWithMode(plaintext []byte, recipients []Recipient, mode Mode) (Payload, error) {
	e.mu.RLock()
	keyPair := e.keyPair
	e.mu.RUnlock()

	if keyPair == nil {
		return nil, ErrNoKey
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if mode == ModeDirect && len(recipients) != 1 {
		return nil, fmt.Errorf("%w: direct mode requires exactly one recipient", ErrEncryptFailed)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Encrypt",
		"mode":       mode,
		"recipients": len(recipients),
		"size":       len(plaintext),
	}).Debug("Encrypting message")

	switch mode {
	case ModeDirect:
		return e.encryptDirect(plaintext, recipients[0], keyPair)
	case ModeBroadcast:
		return e.encryptBroadcast(plaintext, recipients, keyPair)
	case ModeSharedKey:
		return e.encryptSharedKey(plaintext, recipients, keyPair)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrEncryptFailed, mode)
	}
}

// encryptDirect seals the plaintext in a single authenticated box.
func (e *Engine) encryptDirect(plaintext []byte, recipient Recipient, keyPair *crypto.KeyPair) (Payload, error) {
	env, err := sealEnvelope(plaintext, recipient.PublicKey, keyPair.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	return &DirectPayload{Envelope: env}, nil
}

// encryptBroadcast seals one independent envelope per recipient. For
// small groups this is cheaper than key-wrap indirection.
func (e *Engine) encryptBroadcast(plaintext []byte, recipients []Recipient, keyPair *crypto.KeyPair) (Payload, error) {
	envelopes := make(map[string]Envelope, len(recipients))
	for _, r := range recipients {
		env, err := sealEnvelope(plaintext, r.PublicKey, keyPair.Private)
		if err != nil {
			return nil, fmt.Errorf("%w: envelope for recipient: %v", ErrEncryptFailed, err)
		}
		envelopes[r.Identity] = env
	}
	return &BroadcastPayload{Envelopes: envelopes}, nil
}

// encryptSharedKey encrypts the content once under a random message key
// and wraps that key per recipient. The message key is wiped as soon as
// all wraps are done, success or failure.
func (e *Engine) encryptSharedKey(plaintext []byte, recipients []Recipient, keyPair *crypto.KeyPair) (Payload, error) {
	messageKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("%w: message key: %v", ErrEncryptFailed, err)
	}
	defer crypto.ZeroBytes(messageKey[:])

	contentNonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryptFailed, err)
	}

	contentCiphertext, err := crypto.SealSymmetric(plaintext, contentNonce, messageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrEncryptFailed, err)
	}

	keys := make(map[string]Envelope, len(recipients))
	for _, r := range recipients {
		wrap, err := sealEnvelope(messageKey[:], r.PublicKey, keyPair.Private)
		if err != nil {
			return nil, fmt.Errorf("%w: key wrap for recipient: %v", ErrEncryptFailed, err)
		}
		keys[r.Identity] = wrap
	}

	return &SharedKeyPayload{
		Content: Envelope{Nonce: contentNonce[:], Ciphertext: contentCiphertext},
		Keys:    keys,
	}, nil
}

// Decrypt opens a payload from the given sender. Broadcast and
// shared-key payloads look up this device's entry by the registered
// local identity; ErrIdentityNotSet is returned when it is missing.
// Authentication failures, malformed payloads, and missing envelopes
// all surface as ErrDecryptFailed.
func (e *Engine) Decrypt(payload Payload, senderPK [32]byte) ([]byte, error) {
	e.mu.RLock()
	keyPair := e.keyPair
	identity := e.identity
	e.mu.RUnlock()

	if keyPair == nil {
		return nil, ErrNoKey
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrDecryptFailed)
	}

	switch p := payload.(type) {
	case *DirectPayload:
		return openEnvelope(p.Envelope, senderPK, keyPair.Private)

	case *BroadcastPayload:
		if identity == "" {
			return nil, ErrIdentityNotSet
		}
		env, ok := p.Envelopes[identity]
		if !ok {
			return nil, fmt.Errorf("%w: no envelope for local identity", ErrDecryptFailed)
		}
		return openEnvelope(env, senderPK, keyPair.Private)

	case *SharedKeyPayload:
		if identity == "" {
			return nil, ErrIdentityNotSet
		}
		wrap, ok := p.Keys[identity]
		if !ok {
			return nil, fmt.Errorf("%w: no wrapped key for local identity", ErrDecryptFailed)
		}
		return e.openSharedKey(p, wrap, senderPK, keyPair)

	default:
		return nil, fmt.Errorf("%w: unknown payload type %T", ErrDecryptFailed, payload)
	}
}

// openSharedKey unwraps the message key, opens the content, then wipes
// the key on every exit path.
func (e *Engine) openSharedKey(p *SharedKeyPayload, wrap Envelope, senderPK [32]byte, keyPair *crypto.KeyPair) ([]byte, error) {
	keyBytes, err := openEnvelope(wrap, senderPK, keyPair.Private)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(keyBytes)

	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("%w: wrapped key has invalid length", ErrDecryptFailed)
	}

	var messageKey [32]byte
	copy(messageKey[:], keyBytes)
	defer crypto.ZeroBytes(messageKey[:])

	var nonce crypto.Nonce
	if len(p.Content.Nonce) != len(nonce) {
		return nil, fmt.Errorf("%w: content nonce has invalid length", ErrDecryptFailed)
	}
	copy(nonce[:], p.Content.Nonce)

	plaintext, err := crypto.OpenSymmetric(p.Content.Ciphertext, nonce, messageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: content authentication", ErrDecryptFailed)
	}
	return plaintext, nil
}

// sealEnvelope boxes plaintext for one recipient under a fresh nonce.
func sealEnvelope(plaintext []byte, recipientPK, senderSK [32]byte) (Envelope, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return Envelope{}, err
	}

	ciphertext, err := crypto.Seal(plaintext, nonce, recipientPK, senderSK)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Nonce: nonce[:], Ciphertext: ciphertext}, nil
}

// openEnvelope opens one boxed envelope from the given sender.
func openEnvelope(env Envelope, senderPK, recipientSK [32]byte) ([]byte, error) {
	var nonce crypto.Nonce
	if len(env.Nonce) != len(nonce) {
		return nil, fmt.Errorf("%w: nonce has invalid length", ErrDecryptFailed)
	}
	copy(nonce[:], env.Nonce)

	plaintext, err := crypto.Open(env.Ciphertext, nonce, senderPK, recipientSK)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope authentication", ErrDecryptFailed)
	}
	return plaintext, nil
}
