// Package security holds the shared primitives of the security core:
// explicit zeroization of key material and the guarded byte container
// the key manager hands out.
package security

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// eraseNoop prevents the compiler from optimizing away the memory
// clearing. By consuming the cleared bytes through an atomic the
// clearing loop appears to have side effects.
var eraseNoop atomic.Uint64

// Erase overwrites a byte slice with zeros. It takes pains to prevent
// the compiler from optimizing the clearing away; do not rely on GC
// timing for PIN, PAN or key buffers.
//
// Note: remnants may still exist in caches, registers or swap. Hosts
// that need stronger guarantees front an HSM instead.
//
// See: http://www.daemonology.net/blog/2014-09-04-how-to-zero-a-buffer.html
func Erase(b []byte) {
	if len(b) == 0 {
		return
	}

	// Write zeros through a pointer the compiler cannot prove is
	// unaliased.
	p := (*byte)(unsafe.Pointer(&b[0]))
	for i := 0; i < len(b); i++ {
		*(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(i))) = 0
	}

	runtime.KeepAlive(b)

	var sum uint64
	for i := 0; i < len(b); i++ {
		sum += uint64(b[i])
	}
	eraseNoop.Add(sum)
}

// Secret wraps key material and guarantees erasure on Close. Callers
// that receive a borrowed Secret must not retain the underlying slice
// past the borrow.
type Secret struct {
	data   []byte
	closed bool
}

// NewSecret wraps data and takes ownership; Close clears it.
func NewSecret(data []byte) *Secret {
	return &Secret{data: data}
}

// NewSecretCopy wraps a copy of data, leaving the original untouched.
func NewSecretCopy(data []byte) *Secret {
	copied := make([]byte, len(data))
	copy(copied, data)
	return &Secret{data: copied}
}

// Bytes returns the underlying material, nil once closed.
func (s *Secret) Bytes() []byte {
	if s == nil || s.closed {
		return nil
	}
	return s.data
}

// Len returns the material length, 0 once closed.
func (s *Secret) Len() int {
	if s == nil || s.closed {
		return 0
	}
	return len(s.data)
}

// Copy returns a fresh copy the caller must Erase after use.
func (s *Secret) Copy() []byte {
	if s == nil || s.closed {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Close erases the material. Safe to call more than once.
func (s *Secret) Close() {
	if s == nil || s.closed {
		return
	}
	Erase(s.data)
	s.data = nil
	s.closed = true
}

// Closed reports whether the material has been erased.
func (s *Secret) Closed() bool {
	return s == nil || s.closed
}

// Key sizes in bytes for the ciphers the security core uses.
const (
	DESKeySize        = 8
	TripleDESKeySize  = 24
	DoubleLengthSize  = 16
	AES128KeySize     = 16
	AES256KeySize     = 32
	HMACSHA256KeySize = 32
)
