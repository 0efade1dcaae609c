// Package crypto seals bot api secrets at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the required size for AES-256 keys.
	KeySize = 32
	// NonceSize is the GCM nonce size.
	NonceSize = 12
	// sealedPrefix marks stored values: ENC[v1]:base64(nonce+ciphertext)
	sealedPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found")
)

// Sealer encrypts with the newest key version and opens any loaded version.
type Sealer struct {
	mu         sync.RWMutex
	currentVer int
	aeads      map[int]cipher.AEAD
}

// NewSealer builds a Sealer from raw keys indexed by version (1-based).
func NewSealer(keys map[int][]byte) (*Sealer, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	s := &Sealer{aeads: make(map[int]cipher.AEAD, len(keys))}
	for ver, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", ver, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher v%d: %w", ver, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM v%d: %w", ver, err)
		}
		s.aeads[ver] = gcm
		if ver > s.currentVer {
			s.currentVer = ver
		}
	}
	return s, nil
}

// NewSealerFromEnv loads base64 keys from envName (v1) and envName_V2.._V10.
// Returns ErrKeyNotFound when the primary key is unset.
func NewSealerFromEnv(envName string) (*Sealer, error) {
	keys := make(map[int][]byte)
	primary := os.Getenv(envName)
	if primary == "" {
		return nil, ErrKeyNotFound
	}
	k, err := base64.StdEncoding.DecodeString(primary)
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", envName, err)
	}
	keys[1] = k
	for v := 2; v <= 10; v++ {
		name := fmt.Sprintf("%s_V%d", envName, v)
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		k, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = k
	}
	return NewSealer(keys)
}

// Seal encrypts plaintext with the current key version.
func (s *Sealer) Seal(plaintext string) (string, error) {
	s.mu.RLock()
	ver := s.currentVer
	gcm := s.aeads[ver]
	s.mu.RUnlock()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(sealedPrefix, ver) + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Unsealed values pass through
// unchanged so rows written before a key was configured stay readable.
func (s *Sealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	ver := ParseVersion(stored)
	if ver == 0 {
		return "", ErrInvalidCiphertext
	}
	s.mu.RLock()
	gcm, ok := s.aeads[ver]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", ver)
	}

	idx := strings.Index(stored, "]:")
	data, err := base64.StdEncoding.DecodeString(stored[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// CurrentVersion returns the key version new values are sealed with.
func (s *Sealer) CurrentVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentVer
}

// IsSealed reports whether the value carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, "ENC[v") && strings.Contains(v, "]:")
}

// ParseVersion extracts the key version from a sealed value, 0 if malformed.
func ParseVersion(sealed string) int {
	if !strings.HasPrefix(sealed, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// GenerateKey returns a random base64 key suitable for NewSealerFromEnv.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
