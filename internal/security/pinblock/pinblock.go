// Package pinblock implements ISO 9564 PIN block construction,
// extraction, format conversion and 3DES encryption. Clear PIN
// material only ever exists inside this package and is zeroized
// before any function returns.
package pinblock

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/linhsiu/gofepd/internal/security"
)

// Format is an ISO 9564 PIN block format number.
type Format int

const (
	// Format0 is ANSI X9.8: PIN field XORed with the PAN field.
	Format0 Format = 0
	// Format1 pads with random nibbles and does not bind the PAN.
	Format1 Format = 1
	// Format2 is the IC-card format: F padding, no PAN binding.
	Format2 Format = 2
	// Format3 pads with random A-F nibbles and binds the PAN.
	Format3 Format = 3
	// Format4 is the AES block format; not supported on this link.
	Format4 Format = 4
)

// BlockSize is the wire size of formats 0 through 3.
const BlockSize = 8

var (
	ErrInvalidPIN        = errors.New("pin must be 4-12 digits")
	ErrInvalidPAN        = errors.New("pan must be at least 13 digits")
	ErrUnsupportedFormat = errors.New("unsupported pin block format")
	ErrMalformedBlock    = errors.New("malformed pin block")
)

// Block is an 8-byte PIN block plus its handling state.
type Block struct {
	Format    Format
	Data      [BlockSize]byte
	Encrypted bool
	KeyID     string
}

// Zeroize clears the block bytes in place.
func (b *Block) Zeroize() {
	security.Erase(b.Data[:])
}

// ValidatePIN enforces 4-12 digits, digits only.
func ValidatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 12 {
		return ErrInvalidPIN
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}

// ValidatePAN enforces at least 13 digits, digits only.
func ValidatePAN(pan string) error {
	if len(pan) < 13 {
		return ErrInvalidPAN
	}
	for i := 0; i < len(pan); i++ {
		if pan[i] < '0' || pan[i] > '9' {
			return ErrInvalidPAN
		}
	}
	return nil
}

// Encode builds a clear-text PIN block. The caller owns the result and
// must zeroize it after encryption.
func Encode(format Format, pin, pan string) ([]byte, error) {
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}
	switch format {
	case Format0, Format3:
		if err := ValidatePAN(pan); err != nil {
			return nil, err
		}
	case Format1, Format2:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, format)
	}

	nibbles := make([]byte, 2*BlockSize)
	defer security.Erase(nibbles)
	nibbles[0] = byte(format)
	nibbles[1] = byte(len(pin))
	for i := 0; i < len(pin); i++ {
		nibbles[2+i] = pin[i] - '0'
	}
	pad := nibbles[2+len(pin):]
	switch format {
	case Format0, Format2:
		for i := range pad {
			pad[i] = 0x0F
		}
	case Format1:
		if err := randomNibbles(pad, 0x00, 0x0F); err != nil {
			return nil, err
		}
	case Format3:
		if err := randomNibbles(pad, 0x0A, 0x0F); err != nil {
			return nil, err
		}
	}

	block := packNibbles(nibbles)
	if format == Format0 || format == Format3 {
		panBlock := panField(pan)
		for i := range block {
			block[i] ^= panBlock[i]
		}
		security.Erase(panBlock)
	}
	return block, nil
}

// Extract recovers the PIN from a clear-text block. Formats 0 and 3
// need the PAN to undo the XOR.
func Extract(block []byte, format Format, pan string) (string, error) {
	if len(block) != BlockSize {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformedBlock, len(block))
	}
	work := make([]byte, BlockSize)
	copy(work, block)
	defer security.Erase(work)

	switch format {
	case Format0, Format3:
		if err := ValidatePAN(pan); err != nil {
			return "", err
		}
		panBlock := panField(pan)
		for i := range work {
			work[i] ^= panBlock[i]
		}
		security.Erase(panBlock)
	case Format1, Format2:
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedFormat, format)
	}

	if work[0]>>4 != byte(format) {
		return "", fmt.Errorf("%w: control nibble %X, want %d", ErrMalformedBlock, work[0]>>4, format)
	}
	pinLen := int(work[0] & 0x0F)
	if pinLen < 4 || pinLen > 12 {
		return "", fmt.Errorf("%w: pin length %d", ErrMalformedBlock, pinLen)
	}
	pin := make([]byte, pinLen)
	for i := 0; i < pinLen; i++ {
		n := nibbleAt(work, 2+i)
		if n > 9 {
			security.Erase(pin)
			return "", fmt.Errorf("%w: non-digit pin nibble", ErrMalformedBlock)
		}
		pin[i] = '0' + n
	}
	// The pad is format-specific; only the deterministic formats can
	// be checked.
	if format == Format0 || format == Format2 {
		for i := 2 + pinLen; i < 2*BlockSize; i++ {
			if nibbleAt(work, i) != 0x0F {
				security.Erase(pin)
				return "", fmt.Errorf("%w: bad pad nibble", ErrMalformedBlock)
			}
		}
	}
	out := string(pin)
	security.Erase(pin)
	return out, nil
}

// Convert re-encodes a clear-text block into another format. Formats
// 0 and 3 on either side need the PAN.
func Convert(block []byte, from, to Format, pan string) ([]byte, error) {
	pin, err := Extract(block, from, pan)
	if err != nil {
		return nil, err
	}
	return Encode(to, pin, pan)
}

// panField builds the 8-byte PAN block: four zero nibbles then the
// rightmost twelve PAN digits excluding the check digit.
func panField(pan string) []byte {
	body := pan[:len(pan)-1]
	if len(body) > 12 {
		body = body[len(body)-12:]
	}
	nibbles := make([]byte, 2*BlockSize)
	off := 2*BlockSize - len(body)
	for i := 0; i < len(body); i++ {
		nibbles[off+i] = body[i] - '0'
	}
	out := packNibbles(nibbles)
	security.Erase(nibbles)
	return out
}

func packNibbles(nibbles []byte) []byte {
	out := make([]byte, len(nibbles)/2)
	for i := range out {
		out[i] = nibbles[2*i]<<4 | nibbles[2*i+1]&0x0F
	}
	return out
}

func nibbleAt(b []byte, i int) byte {
	if i%2 == 0 {
		return b[i/2] >> 4
	}
	return b[i/2] & 0x0F
}

// randomNibbles fills dst with uniform nibbles in [lo, hi].
func randomNibbles(dst []byte, lo, hi byte) error {
	span := int(hi - lo + 1)
	buf := make([]byte, len(dst))
	defer security.Erase(buf)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("pad randomness: %w", err)
	}
	for i := range dst {
		dst[i] = lo + buf[i]%byte(span)
	}
	return nil
}
