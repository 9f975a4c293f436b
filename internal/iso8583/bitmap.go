package iso8583

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// MaxField is the highest addressable bitmap field.
	MaxField = 128

	// primaryBytes is the wire size of one bitmap block.
	primaryBytes = 8
)

// Bitmap tracks the presence of fields 2..128. Bit 1 is reserved: it
// signals the presence of the secondary bitmap and is maintained
// internally, never exposed as a data field.
//
// Bit numbering follows network order: field 1 is the most significant
// bit of byte 0, field 128 the least significant bit of byte 15.
type Bitmap struct {
	bits [2 * primaryBytes]byte
}

// NewBitmap returns an empty bitmap.
func NewBitmap() *Bitmap {
	return &Bitmap{}
}

// Set marks a field as present. Setting any field above 64 implicitly
// sets the secondary indicator.
func (b *Bitmap) Set(field int) error {
	if field < 2 || field > MaxField {
		return &BitmapError{Field: field, Reason: "field number out of range 2..128"}
	}
	b.bits[(field-1)/8] |= 0x80 >> uint((field-1)%8)
	if field > 64 {
		b.bits[0] |= 0x80
	}
	return nil
}

// Clear removes a field. Clearing the last field above 64 drops the
// secondary indicator.
func (b *Bitmap) Clear(field int) error {
	if field < 2 || field > MaxField {
		return &BitmapError{Field: field, Reason: "field number out of range 2..128"}
	}
	b.bits[(field-1)/8] &^= 0x80 >> uint((field-1)%8)
	if field > 64 && !b.anySecondary() {
		b.bits[0] &^= 0x80
	}
	return nil
}

// IsSet reports whether a field is present. Out-of-range fields and
// the reserved bit 1 report false.
func (b *Bitmap) IsSet(field int) bool {
	if field < 2 || field > MaxField {
		return false
	}
	return b.bits[(field-1)/8]&(0x80>>uint((field-1)%8)) != 0
}

// HasSecondary reports whether the secondary bitmap travels on the wire.
func (b *Bitmap) HasSecondary() bool {
	return b.bits[0]&0x80 != 0
}

func (b *Bitmap) anySecondary() bool {
	for _, v := range b.bits[primaryBytes:] {
		if v != 0 {
			return true
		}
	}
	return false
}

// Fields returns the present field numbers in ascending order. The
// reserved secondary indicator is not reported.
func (b *Bitmap) Fields() []int {
	var out []int
	for f := 2; f <= MaxField; f++ {
		if b.IsSet(f) {
			out = append(out, f)
		}
	}
	return out
}

// Bytes returns the wire form: 8 bytes, or 16 when any field above 64
// is present.
func (b *Bitmap) Bytes() []byte {
	if b.HasSecondary() {
		out := make([]byte, 2*primaryBytes)
		copy(out, b.bits[:])
		return out
	}
	out := make([]byte, primaryBytes)
	copy(out, b.bits[:primaryBytes])
	return out
}

// Hex returns the uppercase hex rendering of Bytes.
func (b *Bitmap) Hex() string {
	return strings.ToUpper(hex.EncodeToString(b.Bytes()))
}

// String implements fmt.Stringer.
func (b *Bitmap) String() string {
	return b.Hex()
}

// ParseBitmap reads a bitmap from the front of buf and returns it with
// the number of bytes consumed (8 or 16).
func ParseBitmap(buf []byte) (*Bitmap, int, error) {
	if len(buf) < primaryBytes {
		return nil, 0, &ParseError{Offset: 0, Expected: "8-byte primary bitmap", Got: fmt.Sprintf("%d bytes", len(buf))}
	}
	b := NewBitmap()
	copy(b.bits[:primaryBytes], buf[:primaryBytes])
	n := primaryBytes
	if b.bits[0]&0x80 != 0 {
		if len(buf) < 2*primaryBytes {
			return nil, 0, &ParseError{Offset: primaryBytes, Expected: "8-byte secondary bitmap", Got: fmt.Sprintf("%d bytes", len(buf)-primaryBytes)}
		}
		copy(b.bits[primaryBytes:], buf[primaryBytes:2*primaryBytes])
		n = 2 * primaryBytes
	}
	return b, n, nil
}

// ParseBitmapHex reads a bitmap from its hex rendering (16 or 32 chars).
func ParseBitmapHex(s string) (*Bitmap, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, &BitmapError{Reason: "invalid hex: " + err.Error()}
	}
	if len(raw) != primaryBytes && len(raw) != 2*primaryBytes {
		return nil, &BitmapError{Reason: fmt.Sprintf("bitmap must be 8 or 16 bytes, got %d", len(raw))}
	}
	b, n, err := ParseBitmap(raw)
	if err != nil {
		return nil, err
	}
	if n != len(raw) {
		return nil, &BitmapError{Reason: "secondary indicator does not match bitmap size"}
	}
	return b, nil
}
