package pinblock

import (
	"fmt"

	"github.com/linhsiu/gofepd/internal/security"
)

// EncryptBlock 3DES-ECB encrypts a single 8-byte block.
func EncryptBlock(key, block []byte) ([]byte, error) {
	if len(block) != BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBlock, len(block))
	}
	return security.EncryptTDESECB(key, block)
}

// DecryptBlock 3DES-ECB decrypts a single 8-byte block.
func DecryptBlock(key, block []byte) ([]byte, error) {
	if len(block) != BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBlock, len(block))
	}
	return security.DecryptTDESECB(key, block)
}
