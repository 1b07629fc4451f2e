// Package encryption protects consultation content at rest.  Values are
// serialised to JSON and sealed with AES-256-GCM under a key derived once at
// startup; the resulting blob is "hex(nonce):hex(tag):hex(ciphertext)".
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// Salt is the fixed application-level salt mixed into key derivation.
	Salt = "meditalk-salt"
	// MinSecretLength is the shortest secret accepted by DeriveKey.
	MinSecretLength = 32

	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

var (
	ErrSecretMissing  = errors.New("encryption: secret is not configured")
	ErrSecretTooShort = fmt.Errorf("encryption: secret must be at least %d characters long", MinSecretLength)
	ErrEncryption     = errors.New("encryption: failed to encrypt data")
)

// Key is a derived AES-256 key.  It is a value type so a Codec can never see
// it change after construction.
type Key [keySize]byte

// DeriveKey stretches secret with scrypt (N=16384, r=8, p=1).  A missing or
// short secret is a configuration error and must abort startup.
func DeriveKey(secret, salt string) (Key, error) {
	var key Key
	if secret == "" {
		return key, ErrSecretMissing
	}
	if len(secret) < MinSecretLength {
		return key, ErrSecretTooShort
	}
	raw, err := scrypt.Key([]byte(secret), []byte(salt), 1<<14, 8, 1, keySize)
	if err != nil {
		return key, fmt.Errorf("encryption: derive key: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

// Codec encrypts and decrypts JSON-serialisable values.  It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewCodec builds a Codec around key.  A nil logger uses slog.Default().
func NewCodec(key Key, logger *slog.Logger) (*Codec, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("encryption: init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("encryption: init gcm: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{aead: aead, logger: logger}, nil
}

// NewCodecFromSecret derives the key from secret and builds a Codec.
func NewCodecFromSecret(secret string, logger *slog.Logger) (*Codec, error) {
	key, err := DeriveKey(secret, Salt)
	if err != nil {
		return nil, err
	}
	return NewCodec(key, logger)
}

// Encrypt seals v and returns its blob.  A nil value or an empty string
// yields "" without touching the cipher.  Every failure wraps ErrEncryption.
func (c *Codec) Encrypt(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", ErrEncryption, err)
	}
	if s := string(plaintext); s == "null" || s == `""` {
		return "", nil
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize
	ciphertext, tag := sealed[:split], sealed[split:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens blob into out and reports whether it succeeded.  An empty
// blob returns false immediately.  Malformed blobs, authentication failures
// (tampering or a wrong key) and undecodable plaintext are logged and
// reported as false.  out must be a non-nil pointer and is left untouched
// unless Decrypt returns true.
func (c *Codec) Decrypt(blob string, out any) bool {
	if blob == "" {
		return false
	}
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		c.logger.Warn("decryption failed", slog.String("reason", "target"))
		return false
	}
	plaintext, reason := c.open(blob)
	if reason != "" {
		c.logger.Warn("decryption failed", slog.String("reason", reason))
		return false
	}
	fresh := reflect.New(target.Elem().Type())
	if err := json.Unmarshal(plaintext, fresh.Interface()); err != nil {
		c.logger.Warn("decryption failed", slog.String("reason", "json"), slog.String("error", err.Error()))
		return false
	}
	target.Elem().Set(fresh.Elem())
	return true
}

func (c *Codec) open(blob string) ([]byte, string) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, "format"
	}
	var fields [3][]byte
	for i, part := range parts {
		if part == "" || !isLowerHex(part) {
			return nil, "hex"
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return nil, "hex"
		}
		fields[i] = b
	}
	nonce, tag, ciphertext := fields[0], fields[1], fields[2]
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return nil, "format"
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, "auth"
	}
	return plaintext, ""
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}
