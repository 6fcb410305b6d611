// Package crypto encrypts credential values at rest with AES-256-GCM. Every
// tenant gets its own key derived from the master key, and every ciphertext
// is bound to the record and field it belongs to.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey       = errors.New("invalid encryption key: must not be empty")
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
	ErrUnknownKey       = errors.New("ciphertext was sealed with an unknown key")
)

// AAD names the slot a ciphertext belongs to. Opening a ciphertext under a
// different slot fails, so values cannot be swapped between records.
type AAD struct {
	TenantID     string
	DefinitionID string
	InstanceID   string
	Field        string
}

func (a AAD) bytes() []byte {
	return []byte(strings.Join([]string{"connectd.v1", a.TenantID, a.DefinitionID, a.InstanceID, a.Field}, "\x00"))
}

type masterKey struct {
	id  string
	key []byte
}

// Sealer encrypts with the primary key and decrypts with any configured key.
type Sealer struct {
	primary masterKey
	keys    map[string]masterKey

	mu      sync.Mutex
	tenants map[string]cipher.AEAD
}

// NewSealer builds a sealer from a primary key and optional retired keys
// that are still accepted for decryption. A key is either a base64-encoded
// 32-byte key (openssl rand -base64 32) or a passphrase hashed with SHA-256.
func NewSealer(primary string, previous ...string) (*Sealer, error) {
	p, err := parseKey(primary)
	if err != nil {
		return nil, err
	}
	s := &Sealer{
		primary: p,
		keys:    map[string]masterKey{p.id: p},
		tenants: make(map[string]cipher.AEAD),
	}
	for _, raw := range previous {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		k, err := parseKey(raw)
		if err != nil {
			return nil, err
		}
		s.keys[k.id] = k
	}
	return s, nil
}

func parseKey(keyInput string) (masterKey, error) {
	keyInput = strings.TrimSpace(keyInput)
	if keyInput == "" {
		return masterKey{}, ErrInvalidKey
	}
	var key []byte
	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		hash := sha256.Sum256([]byte(keyInput))
		key = hash[:]
	}
	sum := sha256.Sum256(append([]byte("connectd.kid"), key...))
	return masterKey{id: hex.EncodeToString(sum[:4]), key: key}, nil
}

// KeyID identifies the primary key in sealed values.
func (s *Sealer) KeyID() string { return s.primary.id }

func (s *Sealer) aead(k masterKey, tenantID string) (cipher.AEAD, error) {
	cacheKey := k.id + "/" + tenantID
	s.mu.Lock()
	defer s.mu.Unlock()
	if gcm, ok := s.tenants[cacheKey]; ok {
		return gcm, nil
	}

	derived := make([]byte, 32)
	r := hkdf.New(sha256.New, k.key, nil, []byte("connectd tenant key:"+tenantID))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("derive tenant key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	s.tenants[cacheKey] = gcm
	return gcm, nil
}

// Seal returns "<key id>:" + base64(nonce || ciphertext || tag).
func (s *Sealer) Seal(aad AAD, plaintext []byte) (string, error) {
	gcm, err := s.aead(s.primary, aad.TenantID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, aad.bytes())
	return s.primary.id + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Sealer) Open(aad AAD, sealed string) ([]byte, error) {
	kid, payload, ok := strings.Cut(sealed, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing key id", ErrDecryptionFailed)
	}
	k, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	gcm, err := s.aead(k, aad.TenantID)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad.bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// SealValues seals every value of one instance. The AAD Field is filled in
// per key.
func (s *Sealer) SealValues(base AAD, values map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for name, v := range values {
		aad := base
		aad.Field = name
		sealed, err := s.Seal(aad, []byte(v))
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", name, err)
		}
		out[name] = sealed
	}
	return out, nil
}

// OpenValues is the inverse of SealValues. On error nothing decrypted so far
// is returned.
func (s *Sealer) OpenValues(base AAD, sealed map[string]string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(sealed))
	for name, v := range sealed {
		aad := base
		aad.Field = name
		plain, err := s.Open(aad, v)
		if err != nil {
			for _, b := range out {
				Zero(b)
			}
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	clear(b)
}

// NeedsRotation reports whether sealed was produced by a non-primary key.
func (s *Sealer) NeedsRotation(sealed string) bool {
	kid, _, _ := strings.Cut(sealed, ":")
	return kid != s.primary.id
}
