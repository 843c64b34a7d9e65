package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Sealer protects the database password before it reaches persistent storage.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// dropSealer never persists the password; it must be re-entered after a restart.
type dropSealer struct{}

func (dropSealer) Seal(string) (string, error) { return "", nil }
func (dropSealer) Open(string) (string, error) { return "", nil }

// plainSealer is only used for process memory.
type plainSealer struct{}

func (plainSealer) Seal(plain string) (string, error)  { return plain, nil }
func (plainSealer) Open(sealed string) (string, error) { return sealed, nil }

const (
	saltLen  = 16
	nonceLen = 24
	keyLen   = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var errSealedTooShort = errors.New("sealed password too short")

// SecretboxSealer encrypts passwords with NaCl secretbox under a key derived
// from a configured secret with scrypt. Each sealed value carries its own salt.
type SecretboxSealer struct {
	secret []byte
}

// NewSecretboxSealer returns a sealer for the given secret.
func NewSecretboxSealer(secret string) (*SecretboxSealer, error) {
	if secret == "" {
		return nil, errors.New("store secret is empty")
	}
	return &SecretboxSealer{secret: []byte(secret)}, nil
}

func (s *SecretboxSealer) key(salt []byte) (*[keyLen]byte, error) {
	dk, err := scrypt.Key(s.secret, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	var k [keyLen]byte
	copy(k[:], dk)
	return &k, nil
}

// Seal returns base64(salt | nonce | box). An empty password seals to "".
func (s *SecretboxSealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	buf := make([]byte, saltLen+nonceLen)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	salt := buf[:saltLen]
	var nonce [nonceLen]byte
	copy(nonce[:], buf[saltLen:])

	k, err := s.key(salt)
	if err != nil {
		return "", err
	}
	out := secretbox.Seal(buf, []byte(plain), &nonce, k)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *SecretboxSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed password: %w", err)
	}
	if len(raw) < saltLen+nonceLen+secretbox.Overhead {
		return "", errSealedTooShort
	}
	salt := raw[:saltLen]
	var nonce [nonceLen]byte
	copy(nonce[:], raw[saltLen:saltLen+nonceLen])

	k, err := s.key(salt)
	if err != nil {
		return "", err
	}
	plain, ok := secretbox.Open(nil, raw[saltLen+nonceLen:], &nonce, k)
	if !ok {
		return "", errors.New("sealed password does not match store secret")
	}
	return string(plain), nil
}
