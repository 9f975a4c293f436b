package mac

import (
	"crypto/aes"
	"fmt"

	"github.com/linhsiu/gofepd/internal/security"
)

const aesBlock = 16

// cmac implements NIST SP 800-38B over AES-128/192/256.
func cmac(key, data []byte) ([]byte, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: AES wants 16, 24 or 32 bytes, got %d", ErrKeyLength, len(key))
	}
	cipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	// Subkeys: L = E(K, 0^16); K1 = dbl(L); K2 = dbl(K1).
	l := make([]byte, aesBlock)
	cipher.Encrypt(l, make([]byte, aesBlock))
	k1 := dbl(l)
	k2 := dbl(k1)
	security.Erase(l)
	defer security.Erase(k1)
	defer security.Erase(k2)

	full := len(data) > 0 && len(data)%aesBlock == 0
	nBlocks := (len(data) + aesBlock - 1) / aesBlock
	if nBlocks == 0 {
		nBlocks = 1
	}

	lastBlock := make([]byte, aesBlock)
	defer security.Erase(lastBlock)
	if full {
		copy(lastBlock, data[len(data)-aesBlock:])
		for i := range lastBlock {
			lastBlock[i] ^= k1[i]
		}
	} else {
		rem := len(data) - (nBlocks-1)*aesBlock
		if len(data) == 0 {
			rem = 0
		}
		copy(lastBlock, data[len(data)-rem:])
		lastBlock[rem] = 0x80
		for i := range lastBlock {
			lastBlock[i] ^= k2[i]
		}
	}

	x := make([]byte, aesBlock)
	defer security.Erase(x)
	buf := make([]byte, aesBlock)
	defer security.Erase(buf)
	for i := 0; i < nBlocks-1; i++ {
		blockAt := data[i*aesBlock : (i+1)*aesBlock]
		for j := 0; j < aesBlock; j++ {
			buf[j] = x[j] ^ blockAt[j]
		}
		cipher.Encrypt(x, buf)
	}
	for j := 0; j < aesBlock; j++ {
		buf[j] = x[j] ^ lastBlock[j]
	}
	out := make([]byte, aesBlock)
	cipher.Encrypt(out, buf)
	return out, nil
}

// dbl doubles a value in GF(2^128) with Rb = 0x87.
func dbl(v []byte) []byte {
	out := make([]byte, len(v))
	carry := byte(0)
	for i := len(v) - 1; i >= 0; i-- {
		out[i] = v[i]<<1 | carry
		carry = v[i] >> 7
	}
	if carry != 0 {
		out[len(out)-1] ^= 0x87
	}
	return out
}
