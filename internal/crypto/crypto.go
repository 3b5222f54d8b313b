package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required key length for AES-256-GCM.
const KeySize = 32

var (
	// ErrDecryption is returned when ciphertext is malformed, was tampered with, or the key is wrong.
	ErrDecryption = errors.New("decryption failed")
	// ErrInvalidKey is returned for keys that are missing or not 32 bytes long.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
)

// ParseKey decodes a 32-byte key given as hex (64 chars) or standard/URL base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext with AES-GCM and returns base64url(nonce || ciphertext).
func Encrypt(plaintext string, key []byte) (string, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aesgcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.RawURLEncoding.Strict().DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding", ErrDecryption)
	}
	if len(raw) < aesgcm.NonceSize()+aesgcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, sealed := raw[:aesgcm.NonceSize()], raw[aesgcm.NonceSize():]
	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}

	return string(plaintext), nil
}

// SafeDecrypt is Decrypt for optional fields: empty or undecryptable input yields ("", false).
func SafeDecrypt(ciphertext string, key []byte) (string, bool) {
	if ciphertext == "" {
		return "", false
	}
	plaintext, err := Decrypt(ciphertext, key)
	if err != nil {
		return "", false
	}
	return plaintext, true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Cipher binds a key so callers do not pass key material around.
type Cipher struct {
	key []byte
}

// NewCipher validates key and returns a Cipher.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) { return Encrypt(plaintext, c.key) }

func (c *Cipher) Decrypt(ciphertext string) (string, error) { return Decrypt(ciphertext, c.key) }

func (c *Cipher) SafeDecrypt(ciphertext string) (string, bool) { return SafeDecrypt(ciphertext, c.key) }
