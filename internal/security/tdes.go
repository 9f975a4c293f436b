package security

import (
	"crypto/des"
	"errors"
	"fmt"
)

var (
	// ErrTDESKeyLength indicates a key that is not 8, 16 or 24 bytes.
	ErrTDESKeyLength = errors.New("des key must be 8, 16 or 24 bytes")
	// ErrBlockAlignment indicates data that is not whole DES blocks.
	ErrBlockAlignment = errors.New("data must be a multiple of 8 bytes")
	// ErrPadding indicates corrupt method-2 padding after decrypt.
	ErrPadding = errors.New("iso 9797 method-2 padding corrupt")
)

// ExpandTDESKey normalizes single-, double- and triple-length DES keys
// to the 24-byte K1|K2|K3 form. The caller erases the result.
func ExpandTDESKey(key []byte) ([]byte, error) {
	out := make([]byte, TripleDESKeySize)
	switch len(key) {
	case DESKeySize:
		copy(out, key)
		copy(out[8:], key)
		copy(out[16:], key)
	case DoubleLengthSize:
		copy(out, key)
		copy(out[16:], key[:8])
	case TripleDESKeySize:
		copy(out, key)
	default:
		Erase(out)
		return nil, fmt.Errorf("%w: got %d", ErrTDESKeyLength, len(key))
	}
	return out, nil
}

// EncryptTDESECB encrypts whole blocks with 3DES in ECB mode.
func EncryptTDESECB(key, data []byte) ([]byte, error) {
	return tdesECB(key, data, true)
}

// DecryptTDESECB decrypts whole blocks with 3DES in ECB mode.
func DecryptTDESECB(key, data []byte) ([]byte, error) {
	return tdesECB(key, data, false)
}

func tdesECB(key, data []byte, encrypt bool) ([]byte, error) {
	if len(data) == 0 || len(data)%8 != 0 {
		return nil, ErrBlockAlignment
	}
	tk, err := ExpandTDESKey(key)
	if err != nil {
		return nil, err
	}
	defer Erase(tk)
	cipher, err := des.NewTripleDESCipher(tk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += 8 {
		if encrypt {
			cipher.Encrypt(out[off:off+8], data[off:off+8])
		} else {
			cipher.Decrypt(out[off:off+8], data[off:off+8])
		}
	}
	return out, nil
}

// PadISO2 appends 0x80 then zeros up to a whole number of blocks
// (ISO 9797 padding method 2).
func PadISO2(data []byte, block int) []byte {
	n := len(data) + 1
	rem := n % block
	pad := 0
	if rem != 0 {
		pad = block - rem
	}
	out := make([]byte, n+pad)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// UnpadISO2 strips method-2 padding.
func UnpadISO2(data []byte) ([]byte, error) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0x00 {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, ErrPadding
	}
	return data[:i], nil
}
