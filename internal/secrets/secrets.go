// Package secrets manages the process-wide 32-byte key and the envelope
// encryption used for opaque persisted secrets (OAuth client secrets and
// similar app settings).
//
// Key load precedence: the environment override is stretched to 32 bytes via
// HKDF-SHA256; otherwise the on-disk key file is read, created with 0600
// permissions on first boot. The raw environment value is never written to
// disk.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeyFileName is the key file kept next to the database.
const KeyFileName = "raphael.secret"

const (
	keyLen       = 32
	envelopeAlg  = "aes-256-gcm"
	envelopeVers = 1
)

// Keeper encrypts and decrypts envelope-encoded secrets with AES-256-GCM.
type Keeper struct {
	aead cipher.AEAD
}

// LoadKey resolves the 32-byte key. envSecret, when non-empty, takes
// precedence over the key file under dataDir.
func LoadKey(dataDir, envSecret string) ([]byte, error) {
	if envSecret != "" {
		r := hkdf.New(sha256.New, []byte(envSecret), nil, []byte("raphael-secrets-v1"))
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("secrets: derive key from env: %w", err)
		}
		return key, nil
	}

	path := filepath.Join(dataDir, KeyFileName)
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != keyLen {
			return nil, fmt.Errorf("secrets: key file %s has %d bytes, want %d", path, len(data), keyLen)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read key file: %w", err)
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("secrets: create data dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("secrets: write key file: %w", err)
	}
	return key, nil
}

// NewKeeper builds a Keeper from a 32-byte key.
func NewKeeper(key []byte) (*Keeper, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &Keeper{aead: aead}, nil
}

// envelope is the persisted ciphertext structure, base64-encoded behind the
// "v1:" prefix.
type envelope struct {
	V    int    `json:"v"`
	Alg  string `json:"alg"`
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

// Encrypt seals plaintext into the v1 envelope format.
func (k *Keeper) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: generate iv: %w", err)
	}

	sealed := k.aead.Seal(nil, iv, []byte(plaintext), nil)
	// GCM appends the 16-byte tag to the ciphertext; the envelope stores them
	// separately.
	tagStart := len(sealed) - 16
	env := envelope{
		V:    envelopeVers,
		Alg:  envelopeAlg,
		IV:   base64.StdEncoding.EncodeToString(iv),
		Tag:  base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Data: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("secrets: marshal envelope: %w", err)
	}
	return "v1:" + base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a v1 envelope produced by Encrypt.
func (k *Keeper) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, "v1:")
	if !ok {
		return "", fmt.Errorf("secrets: unsupported envelope version")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: decode envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("secrets: unmarshal envelope: %w", err)
	}
	if env.V != envelopeVers || env.Alg != envelopeAlg {
		return "", fmt.Errorf("secrets: unsupported envelope %d/%s", env.V, env.Alg)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("secrets: decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return "", fmt.Errorf("secrets: decode tag: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", fmt.Errorf("secrets: decode data: %w", err)
	}

	plaintext, err := k.aead.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open envelope: %w", err)
	}
	return string(plaintext), nil
}
