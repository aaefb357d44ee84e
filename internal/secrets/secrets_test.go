package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKey_CreatesAndReusesFile(t *testing.T) {
	dir := t.TempDir()

	key, err := LoadKey(dir, "")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	info, err := os.Stat(filepath.Join(dir, KeyFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadKey(dir, "")
	require.NoError(t, err)
	assert.Equal(t, key, again, "second boot reads the same key back")
}

func TestLoadKey_EnvDerivation(t *testing.T) {
	dir := t.TempDir()

	key, err := LoadKey(dir, "my-env-secret")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	// Deterministic, and never written to disk.
	again, err := LoadKey(dir, "my-env-secret")
	require.NoError(t, err)
	assert.Equal(t, key, again)
	_, err = os.Stat(filepath.Join(dir, KeyFileName))
	assert.True(t, os.IsNotExist(err))

	other, err := LoadKey(dir, "different-secret")
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestLoadKey_RejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("short"), 0o600))

	_, err := LoadKey(dir, "")
	assert.Error(t, err)
}

func TestKeeper_RoundTrip(t *testing.T) {
	key, err := LoadKey(t.TempDir(), "")
	require.NoError(t, err)
	k, err := NewKeeper(key)
	require.NoError(t, err)

	ciphertext, err := k.Encrypt("client-secret-value")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ciphertext, "v1:"))
	assert.NotContains(t, ciphertext, "client-secret-value")

	plaintext, err := k.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "client-secret-value", plaintext)
}

func TestKeeper_UniqueIVs(t *testing.T) {
	k, err := NewKeeper(make([]byte, 32))
	require.NoError(t, err)

	a, err := k.Encrypt("same")
	require.NoError(t, err)
	b, err := k.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal uses a fresh iv")
}

func TestKeeper_TamperDetected(t *testing.T) {
	k, err := NewKeeper(make([]byte, 32))
	require.NoError(t, err)

	ciphertext, err := k.Encrypt("secret")
	require.NoError(t, err)

	// Flip one character of the encoded envelope.
	raw := []byte(ciphertext)
	last := len(raw) - 1
	if raw[last] == 'A' {
		raw[last] = 'B'
	} else {
		raw[last] = 'A'
	}
	_, err = k.Decrypt(string(raw))
	assert.Error(t, err)
}

func TestKeeper_WrongKeyFails(t *testing.T) {
	a, err := NewKeeper(make([]byte, 32))
	require.NoError(t, err)
	otherKey := make([]byte, 32)
	otherKey[0] = 1
	b, err := NewKeeper(otherKey)
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestKeeper_BadEnvelope(t *testing.T) {
	k, err := NewKeeper(make([]byte, 32))
	require.NoError(t, err)

	_, err = k.Decrypt("plain-value")
	assert.Error(t, err)
	_, err = k.Decrypt("v1:!!!not-base64!!!")
	assert.Error(t, err)
}

func TestNewKeeper_KeyLength(t *testing.T) {
	_, err := NewKeeper(make([]byte, 16))
	assert.Error(t, err)
}
