// Package pan protects primary account numbers at rest and in logs:
// masking, 3DES encryption under the data encryption key, a one-way
// lookup hash, and reversible in-process tokenization.
package pan

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linhsiu/gofepd/internal/security"
)

var (
	ErrInvalidPAN    = errors.New("pan must be 13-19 digits")
	ErrBadCiphertext = errors.New("malformed pan ciphertext")
	ErrTokenNotFound = errors.New("token not known to this process")
)

// tokenCacheSize bounds the reverse-lookup table. Tokens beyond the
// bound are evicted oldest-first and can no longer be reversed.
const tokenCacheSize = 65536

// KeySource hands out caller-owned copies of the data encryption key.
type KeySource interface {
	EncryptKey(id string) ([]byte, error)
	DecryptKey(id string) ([]byte, error)
}

// Service binds PAN protection to a DEK held by the key manager.
type Service struct {
	keys   KeySource
	keyID  string
	tokens *lru.Cache[string, string]
}

// NewService returns a PAN service using the key registered under
// dekID (id or alias).
func NewService(keys KeySource, dekID string) (*Service, error) {
	cache, err := lru.New[string, string](tokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("token cache: %w", err)
	}
	return &Service{keys: keys, keyID: dekID, tokens: cache}, nil
}

// Validate enforces 13-19 digits, digits only.
func Validate(pan string) error {
	if len(pan) < 13 || len(pan) > 19 {
		return ErrInvalidPAN
	}
	for i := 0; i < len(pan); i++ {
		if pan[i] < '0' || pan[i] > '9' {
			return ErrInvalidPAN
		}
	}
	return nil
}

// Mask keeps the first six and last four digits. PANs shorter than 13
// characters are fully masked.
func Mask(pan string) string {
	if pan == "" {
		return ""
	}
	if len(pan) < 13 {
		return strings.Repeat("*", len(pan))
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

// Hash is the deterministic lookup index: SHA-256 over the PAN with
// all whitespace stripped, hex encoded.
func Hash(pan string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, pan)
	sum := sha256.Sum256([]byte(stripped))
	return hex.EncodeToString(sum[:])
}

// Encrypt 3DES-encrypts the PAN under the DEK with method-2 padding
// and returns uppercase hex.
func (s *Service) Encrypt(pan string) (string, error) {
	if err := Validate(pan); err != nil {
		return "", err
	}
	key, err := s.keys.EncryptKey(s.keyID)
	if err != nil {
		return "", err
	}
	defer security.Erase(key)

	padded := security.PadISO2([]byte(pan), 8)
	defer security.Erase(padded)
	out, err := security.EncryptTDESECB(key, padded)
	if err != nil {
		return "", err
	}
	defer security.Erase(out)
	return strings.ToUpper(hex.EncodeToString(out)), nil
}

// Decrypt reverses Encrypt.
func (s *Service) Decrypt(cipherHex string) (string, error) {
	raw, err := hex.DecodeString(cipherHex)
	if err != nil || len(raw) == 0 || len(raw)%8 != 0 {
		return "", ErrBadCiphertext
	}
	key, err := s.keys.DecryptKey(s.keyID)
	if err != nil {
		return "", err
	}
	defer security.Erase(key)

	clear, err := security.DecryptTDESECB(key, raw)
	if err != nil {
		return "", err
	}
	defer security.Erase(clear)
	body, err := security.UnpadISO2(clear)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Tokenize returns a deterministic 16-digit surrogate for the PAN and
// remembers its ciphertext so Detokenize can reverse it. The surrogate
// starts with 9 so it can never collide with a real issuing range on
// this link.
func (s *Service) Tokenize(pan string) (string, error) {
	if err := Validate(pan); err != nil {
		return "", err
	}
	key, err := s.keys.EncryptKey(s.keyID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(pan))
	digest := mac.Sum(nil)
	security.Erase(key)

	var sb strings.Builder
	sb.WriteByte('9')
	for i := 0; sb.Len() < 16; i++ {
		sb.WriteByte('0' + digest[i]%10)
	}
	token := sb.String()

	cipher, err := s.Encrypt(pan)
	if err != nil {
		return "", err
	}
	s.tokens.Add(token, cipher)
	return token, nil
}

// Detokenize recovers the PAN for a token issued by this process.
func (s *Service) Detokenize(token string) (string, error) {
	cipher, ok := s.tokens.Get(token)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTokenNotFound, token)
	}
	return s.Decrypt(cipher)
}
