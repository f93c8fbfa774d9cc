package encryption

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bertvancapelle/CommEazy-sub001/crypto"
)

func TestBackupRoundTrip(t *testing.T) {
	original := newTestEngine(t, "alice")
	originalPK, err := original.PublicKey()
	require.NoError(t, err)

	backup, err := original.CreateBackup("123456")
	require.NoError(t, err)
	assert.Equal(t, BackupVersion, backup.Version)
	assert.NotEmpty(t, backup.Salt)
	assert.NotEmpty(t, backup.IV)
	assert.NotEmpty(t, backup.Encrypted)

	// Restore on a fresh engine with its own empty key store.
	ks, err := crypto.NewKeyStore(t.TempDir(), []byte("other-device-password"))
	require.NoError(t, err)
	defer ks.Close()
	restoredEngine := NewEngine(ks)
	require.NoError(t, restoredEngine.Initialize())

	restored, err := restoredEngine.RestoreBackup("123456", backup)
	require.NoError(t, err)
	assert.Equal(t, originalPK, restored.Public)

	// The restored pair was persisted: a reload sees it.
	loaded, err := ks.LoadKeyPair()
	require.NoError(t, err)
	assert.Equal(t, originalPK, loaded.Public)
}

func TestBackupCiphertextDiffersPerCall(t *testing.T) {
	engine := newTestEngine(t, "alice")

	b1, err := engine.CreateBackup("123456")
	require.NoError(t, err)
	b2, err := engine.CreateBackup("123456")
	require.NoError(t, err)

	// Fresh salt and nonce every time.
	assert.NotEqual(t, b1.Salt, b2.Salt)
	assert.NotEqual(t, b1.IV, b2.IV)
	assert.NotEqual(t, b1.Encrypted, b2.Encrypted)
}

func TestRestoreBackupWrongPIN(t *testing.T) {
	engine := newTestEngine(t, "alice")
	backup, err := engine.CreateBackup("123456")
	require.NoError(t, err)

	ks, err := crypto.NewKeyStore(t.TempDir(), []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()
	fresh := NewEngine(ks)
	require.NoError(t, fresh.Initialize())

	_, err = fresh.RestoreBackup("654321", backup)
	assert.ErrorIs(t, err, ErrBackupRestore)

	// Nothing was mutated: the fresh engine still has no key.
	assert.False(t, fresh.HasKeyPair())
	assert.False(t, ks.HasKeyPair())
}

func TestRestoreBackupTampered(t *testing.T) {
	engine := newTestEngine(t, "alice")
	backup, err := engine.CreateBackup("123456")
	require.NoError(t, err)

	ciphertext, err := base64.StdEncoding.DecodeString(backup.Encrypted)
	require.NoError(t, err)
	ciphertext[0] ^= 0x01
	backup.Encrypted = base64.StdEncoding.EncodeToString(ciphertext)

	ks, err := crypto.NewKeyStore(t.TempDir(), []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()
	fresh := NewEngine(ks)
	require.NoError(t, fresh.Initialize())

	_, err = fresh.RestoreBackup("123456", backup)
	assert.ErrorIs(t, err, ErrBackupRestore)
	assert.False(t, fresh.HasKeyPair())
}

func TestRestoreBackupMalformedFields(t *testing.T) {
	engine := newTestEngine(t, "alice")
	valid, err := engine.CreateBackup("123456")
	require.NoError(t, err)

	ks, err := crypto.NewKeyStore(t.TempDir(), []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()
	fresh := NewEngine(ks)
	require.NoError(t, fresh.Initialize())

	cases := map[string]*Backup{
		"nil backup":     nil,
		"bad salt":       {Salt: "!!!", IV: valid.IV, Encrypted: valid.Encrypted, Version: valid.Version},
		"short salt":     {Salt: base64.StdEncoding.EncodeToString([]byte("ab")), IV: valid.IV, Encrypted: valid.Encrypted, Version: valid.Version},
		"bad iv":         {Salt: valid.Salt, IV: "!!!", Encrypted: valid.Encrypted, Version: valid.Version},
		"short iv":       {Salt: valid.Salt, IV: base64.StdEncoding.EncodeToString([]byte("ab")), Encrypted: valid.Encrypted, Version: valid.Version},
		"bad ciphertext": {Salt: valid.Salt, IV: valid.IV, Encrypted: "!!!", Version: valid.Version},
	}
	for name, backup := range cases {
		_, err := fresh.RestoreBackup("123456", backup)
		assert.ErrorIs(t, err, ErrBackupRestore, name)
	}
}

func TestBackupErrorsNeverContainPIN(t *testing.T) {
	engine := newTestEngine(t, "alice")
	backup, err := engine.CreateBackup("super-secret-pin")
	require.NoError(t, err)

	ks, err := crypto.NewKeyStore(t.TempDir(), []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()
	fresh := NewEngine(ks)
	require.NoError(t, fresh.Initialize())

	_, err = fresh.RestoreBackup("wrong-but-also-secret", backup)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "super-secret-pin")
	assert.NotContains(t, err.Error(), "wrong-but-also-secret")
}
