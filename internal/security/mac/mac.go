// Package mac computes and verifies message authentication codes over
// message bodies: ISO 9797-1 algorithms 1 and 3, ANSI X9.19 retail
// MAC, AES-CMAC and HMAC-SHA256. Verification is constant time.
package mac

import (
	"crypto/des"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/linhsiu/gofepd/internal/security"
)

// Algorithm selects the MAC construction.
type Algorithm int

const (
	// ISO9797Alg1 is DES-CBC over zero-padded blocks, MAC = last block.
	ISO9797Alg1 Algorithm = iota
	// ISO9797Alg3 is the retail MAC: DES-CBC under K1, final block
	// decrypted under K2 then encrypted under K1.
	ISO9797Alg3
	// X919 is single-DES CBC under K1 with a final 3DES pass under the
	// full double-length key, method-2 padding.
	X919
	// AESCMAC is NIST SP 800-38B CMAC over AES.
	AESCMAC
	// HMACSHA256 is RFC 2104 HMAC with SHA-256.
	HMACSHA256
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case ISO9797Alg1:
		return "ISO9797-1"
	case ISO9797Alg3:
		return "ISO9797-3"
	case X919:
		return "X9.19"
	case AESCMAC:
		return "AES-CMAC"
	case HMACSHA256:
		return "HMAC-SHA256"
	default:
		return "UNKNOWN"
	}
}

// ParseAlgorithm resolves a configuration name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "ISO9797-1":
		return ISO9797Alg1, nil
	case "ISO9797-3":
		return ISO9797Alg3, nil
	case "X9.19":
		return X919, nil
	case "AES-CMAC":
		return AESCMAC, nil
	case "HMAC-SHA256":
		return HMACSHA256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

var (
	ErrUnknownAlgorithm = errors.New("unknown mac algorithm")
	ErrKeyLength        = errors.New("mac key length invalid for algorithm")
)

// Calculate computes the MAC of data under key.
func Calculate(alg Algorithm, key, data []byte) ([]byte, error) {
	switch alg {
	case ISO9797Alg1:
		return iso9797Alg1(key, data)
	case ISO9797Alg3:
		return iso9797Alg3(key, data)
	case X919:
		return x919(key, data)
	case AESCMAC:
		return cmac(key, data)
	case HMACSHA256:
		h := hmac.New(sha256.New, key)
		h.Write(data)
		return h.Sum(nil), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, alg)
	}
}

// Verify recomputes the MAC and compares in constant time.
func Verify(alg Algorithm, key, data, want []byte) (bool, error) {
	got, err := Calculate(alg, key, data)
	if err != nil {
		return false, err
	}
	ok := hmac.Equal(got, want)
	security.Erase(got)
	return ok, nil
}

const desBlock = 8

// padMethod1 zero-pads to a whole number of blocks; empty input
// becomes one zero block.
func padMethod1(data []byte, block int) []byte {
	n := len(data)
	rem := n % block
	if n == 0 || rem != 0 {
		padded := make([]byte, n+block-rem)
		copy(padded, data)
		return padded
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

// padMethod2 appends 0x80 then zero-pads to a whole number of blocks.
func padMethod2(data []byte, block int) []byte {
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

// desCBC runs DES-CBC over padded data with a zero IV and returns the
// last cipher block.
func desCBC(key, padded []byte) ([]byte, error) {
	if len(key) != desBlock {
		return nil, fmt.Errorf("%w: DES wants 8 bytes, got %d", ErrKeyLength, len(key))
	}
	cipher, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, desBlock)
	buf := make([]byte, desBlock)
	defer security.Erase(buf)
	for off := 0; off < len(padded); off += desBlock {
		for i := 0; i < desBlock; i++ {
			buf[i] = out[i] ^ padded[off+i]
		}
		cipher.Encrypt(out, buf)
	}
	return out, nil
}

// iso9797Alg1 MACs with DES-CBC under the leading single-length key.
func iso9797Alg1(key, data []byte) ([]byte, error) {
	if len(key) < desBlock {
		return nil, fmt.Errorf("%w: need at least 8 bytes", ErrKeyLength)
	}
	return desCBC(key[:desBlock], padMethod1(data, desBlock))
}

// iso9797Alg3 finishes the CBC chain with D(K2) then E(K1).
func iso9797Alg3(key, data []byte) ([]byte, error) {
	k1, k2, err := splitDoubleKey(key)
	if err != nil {
		return nil, err
	}
	last, err := desCBC(k1, padMethod1(data, desBlock))
	if err != nil {
		return nil, err
	}
	defer security.Erase(last)

	c2, err := des.NewCipher(k2)
	if err != nil {
		return nil, err
	}
	c1, err := des.NewCipher(k1)
	if err != nil {
		return nil, err
	}
	tmp := make([]byte, desBlock)
	defer security.Erase(tmp)
	c2.Decrypt(tmp, last)
	out := make([]byte, desBlock)
	c1.Encrypt(out, tmp)
	return out, nil
}

// x919 runs the CBC chain under K1 with method-2 padding, then one
// full 3DES pass under the double-length key over the final block.
func x919(key, data []byte) ([]byte, error) {
	k1, _, err := splitDoubleKey(key)
	if err != nil {
		return nil, err
	}
	last, err := desCBC(k1, padMethod2(data, desBlock))
	if err != nil {
		return nil, err
	}
	defer security.Erase(last)

	tk := make([]byte, security.TripleDESKeySize)
	defer security.Erase(tk)
	copy(tk, key)
	copy(tk[16:], key[:desBlock])
	cipher, err := des.NewTripleDESCipher(tk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, desBlock)
	cipher.Encrypt(out, last)
	return out, nil
}

// splitDoubleKey returns K1 and K2 of a 16-byte key.
func splitDoubleKey(key []byte) ([]byte, []byte, error) {
	if len(key) != security.DoubleLengthSize {
		return nil, nil, fmt.Errorf("%w: need 16 bytes, got %d", ErrKeyLength, len(key))
	}
	return key[:desBlock], key[desBlock:], nil
}
