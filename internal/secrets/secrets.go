// Package secrets encrypts credential blobs at rest with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cipher seals and opens credential blobs with a 32-byte master key.
type Cipher struct {
	key []byte
}

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// NewCipher wraps a 32-byte AES key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plain bytes into a versioned JSON wrapper.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)
	out := encryptedBlob{
		Version:    "v1",
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	return json.Marshal(out)
}

// Decrypt opens a sealed blob. Blobs that do not carry the encrypted
// wrapper are returned as-is, so stores written before encryption was
// enabled keep working.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty credential blob")
	}
	var wrapped encryptedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return data, nil
	}
	if wrapped.Version == "" || wrapped.Nonce == "" || wrapped.Ciphertext == "" {
		return data, nil
	}
	if wrapped.Version != "v1" {
		return nil, fmt.Errorf("unsupported blob version: %s", wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(wrapped.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(wrapped.Ciphertext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open credential blob: %w", err)
	}
	return plain, nil
}

// DecodeKey base64-decodes a master key and validates its length (32 bytes).
func DecodeKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	decoded, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(decoded))
	}
	return decoded, nil
}

// LoadKey resolves the master key from an inline base64 value or a key
// file. A configured key file that does not exist yet is created with a
// fresh random key. Returns nil when neither source is configured, which
// disables encryption at rest.
func LoadKey(inline, file string) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		key, err := DecodeKey(inline)
		if err != nil {
			return nil, fmt.Errorf("invalid master key: %w", err)
		}
		return key, nil
	}
	if file == "" {
		return nil, nil
	}

	if data, err := os.ReadFile(file); err == nil {
		return DecodeKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(key)
	if err := os.WriteFile(file, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
