// Package crypto seals exchange credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length.
const KeySize = 32

const prefixFormat = "ENC[v%d]:"

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrUnknownVersion    = errors.New("key version not available")
)

// Keyring holds every key version that may still appear in stored rows and
// seals new values with the highest one. Ciphertexts are bound to the owning
// user id as associated data, so a row copied to another user will not open.
type Keyring struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyring builds a keyring from version -> raw 32 byte key.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrInvalidKey
	}
	kr := &Keyring{aeads: make(map[int]cipher.AEAD, len(keys))}
	for v, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", v, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher v%d: %w", v, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create gcm v%d: %w", v, err)
		}
		kr.aeads[v] = gcm
		if v > kr.current {
			kr.current = v
		}
	}
	return kr, nil
}

// KeyringFromSecret accepts a base64 encoded 32 byte key, or derives one from
// an arbitrary passphrase with SHA-256 (development setups).
func KeyringFromSecret(secret string) (*Keyring, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == KeySize {
		return NewKeyring(map[int][]byte{1: raw})
	}
	sum := sha256.Sum256([]byte(secret))
	return NewKeyring(map[int][]byte{1: sum[:]})
}

// CurrentVersion is the key version used by Seal.
func (k *Keyring) CurrentVersion() int {
	return k.current
}

// Seal encrypts plaintext for owner. Output: ENC[vN]:base64(nonce|ciphertext).
func (k *Keyring) Seal(owner, plaintext string) (string, error) {
	gcm := k.aeads[k.current]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(owner))
	return fmt.Sprintf(prefixFormat, k.current) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal, picking the key version from the prefix.
func (k *Keyring) Open(owner, ciphertext string) (string, error) {
	version, payload, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, ok := k.aeads[version]
	if !ok {
		return "", fmt.Errorf("v%d: %w", version, ErrUnknownVersion)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, []byte(owner))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Rotate re-seals a stored value with the current key version.
func (k *Keyring) Rotate(owner, ciphertext string) (string, error) {
	plain, err := k.Open(owner, ciphertext)
	if err != nil {
		return "", fmt.Errorf("open for rotation: %w", err)
	}
	return k.Seal(owner, plain)
}

func splitCiphertext(s string) (int, string, error) {
	if !strings.HasPrefix(s, "ENC[v") {
		return 0, "", ErrInvalidCiphertext
	}
	idx := strings.Index(s, "]:")
	if idx == -1 {
		return 0, "", ErrInvalidCiphertext
	}
	var version int
	if _, err := fmt.Sscanf(s[:idx+2], prefixFormat, &version); err != nil || version <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, s[idx+2:], nil
}
