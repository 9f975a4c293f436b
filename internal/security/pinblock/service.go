package pinblock

import (
	"fmt"

	"github.com/linhsiu/gofepd/internal/security"
)

// KeySource hands out caller-owned key copies. Implementations enforce
// key status: encryption keys must be ACTIVE, decryption keys may also
// be EXPIRED during rotation grace. The caller erases every copy.
type KeySource interface {
	EncryptKey(id string) ([]byte, error)
	DecryptKey(id string) ([]byte, error)
}

// Service binds the clear-text block algebra to the key manager so
// clear PINs never cross the package boundary.
type Service struct {
	keys KeySource
}

// NewService returns a PIN block service over a key source.
func NewService(keys KeySource) *Service {
	return &Service{keys: keys}
}

// Create validates the PIN, builds a clear block in the requested
// format and returns it encrypted under keyID.
func (s *Service) Create(pin, pan string, format Format, keyID string) (*Block, error) {
	clear, err := Encode(format, pin, pan)
	if err != nil {
		return nil, err
	}
	defer security.Erase(clear)

	key, err := s.keys.EncryptKey(keyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(key)

	enc, err := EncryptBlock(key, clear)
	if err != nil {
		return nil, err
	}
	b := &Block{Format: format, Encrypted: true, KeyID: keyID}
	copy(b.Data[:], enc)
	security.Erase(enc)
	return b, nil
}

// ExtractPIN decrypts the block under its owning key and recovers the
// PIN digits.
func (s *Service) ExtractPIN(b *Block, pan string) (string, error) {
	clear, err := s.decrypted(b)
	if err != nil {
		return "", err
	}
	defer security.Erase(clear)
	return Extract(clear, b.Format, pan)
}

// Translate re-encrypts a block from its owning key to dstKeyID
// without exposing the clear block outside this call. The format and
// therefore the PAN binding are unchanged.
func (s *Service) Translate(b *Block, dstKeyID string) (*Block, error) {
	clear, err := s.decrypted(b)
	if err != nil {
		return nil, err
	}
	defer security.Erase(clear)

	key, err := s.keys.EncryptKey(dstKeyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(key)

	enc, err := EncryptBlock(key, clear)
	if err != nil {
		return nil, err
	}
	out := &Block{Format: b.Format, Encrypted: true, KeyID: dstKeyID}
	copy(out.Data[:], enc)
	security.Erase(enc)
	return out, nil
}

// ConvertFormat rebuilds the block in another format under the same
// key. Formats 0 and 3 bind the PAN, so it is required whenever either
// side uses them.
func (s *Service) ConvertFormat(b *Block, to Format, pan string) (*Block, error) {
	clear, err := s.decrypted(b)
	if err != nil {
		return nil, err
	}
	defer security.Erase(clear)

	converted, err := Convert(clear, b.Format, to, pan)
	if err != nil {
		return nil, err
	}
	defer security.Erase(converted)

	key, err := s.keys.EncryptKey(b.KeyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(key)

	enc, err := EncryptBlock(key, converted)
	if err != nil {
		return nil, err
	}
	out := &Block{Format: to, Encrypted: true, KeyID: b.KeyID}
	copy(out.Data[:], enc)
	security.Erase(enc)
	return out, nil
}

// decrypted returns the caller-owned clear block bytes.
func (s *Service) decrypted(b *Block) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil block", ErrMalformedBlock)
	}
	if !b.Encrypted {
		out := make([]byte, BlockSize)
		copy(out, b.Data[:])
		return out, nil
	}
	key, err := s.keys.DecryptKey(b.KeyID)
	if err != nil {
		return nil, err
	}
	defer security.Erase(key)
	return DecryptBlock(key, b.Data[:])
}
