package iso8583

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ebcdic is code page 037, the variant used by the interbank host.
var ebcdic = charmap.CodePage037

// byteWidth returns the wire size of a field value. units is digits
// for BCD and packed-decimal fields, bytes for everything else.
func byteWidth(enc Encoding, units int) int {
	switch enc {
	case BCD:
		return (units + 1) / 2
	case PackedDecimal:
		// digits plus one sign nibble, rounded up to whole bytes
		return (units + 2) / 2
	default:
		return units
	}
}

// encodeBCD packs decimal digits two per byte. An odd digit count gets
// a leading zero nibble so the value is right-aligned.
func encodeBCD(digits string) ([]byte, error) {
	if digits == "" {
		return nil, fmt.Errorf("empty BCD value")
	}
	if len(digits)%2 != 0 {
		digits = "0" + digits
	}
	out := make([]byte, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		hi, err := nibble(digits[i])
		if err != nil {
			return nil, err
		}
		lo, err := nibble(digits[i+1])
		if err != nil {
			return nil, err
		}
		out[i/2] = hi<<4 | lo
	}
	return out, nil
}

// decodeBCD unpacks want digits from packed bytes. When want is odd the
// leading pad nibble is dropped.
func decodeBCD(raw []byte, want int) (string, error) {
	var sb strings.Builder
	sb.Grow(2 * len(raw))
	for _, b := range raw {
		hi, lo := b>>4, b&0x0F
		if hi > 9 || lo > 9 {
			return "", fmt.Errorf("invalid BCD nibble in %02X", b)
		}
		sb.WriteByte('0' + hi)
		sb.WriteByte('0' + lo)
	}
	s := sb.String()
	if want > 0 && len(s) > want {
		s = s[len(s)-want:]
	}
	return s, nil
}

// encodePackedDecimal packs a signed decimal: digit nibbles followed by
// a sign nibble, 0xC for positive and 0xD for negative, left padded
// with zero nibbles to whole bytes.
func encodePackedDecimal(value string) ([]byte, error) {
	sign := byte(0x0C)
	digits := value
	switch {
	case strings.HasPrefix(value, "-"):
		sign = 0x0D
		digits = value[1:]
	case strings.HasPrefix(value, "+"):
		digits = value[1:]
	}
	if digits == "" {
		return nil, fmt.Errorf("empty packed-decimal value")
	}
	if (len(digits)+1)%2 != 0 {
		digits = "0" + digits
	}
	out := make([]byte, (len(digits)+1)/2)
	for i := 0; i < len(digits); i++ {
		n, err := nibble(digits[i])
		if err != nil {
			return nil, err
		}
		if i%2 == 0 {
			out[i/2] = n << 4
		} else {
			out[i/2] |= n
		}
	}
	out[len(out)-1] |= sign
	return out, nil
}

// decodePackedDecimal reads want digits and the trailing sign nibble.
// Negative values gain a leading minus.
func decodePackedDecimal(raw []byte, want int) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty packed-decimal input")
	}
	sign := raw[len(raw)-1] & 0x0F
	neg := false
	switch sign {
	case 0x0C, 0x0F:
	case 0x0D:
		neg = true
	default:
		return "", fmt.Errorf("invalid packed-decimal sign nibble %X", sign)
	}
	var sb strings.Builder
	total := 2*len(raw) - 1
	sb.Grow(total)
	for i, b := range raw {
		hi, lo := b>>4, b&0x0F
		if hi > 9 {
			return "", fmt.Errorf("invalid packed-decimal nibble in %02X", b)
		}
		sb.WriteByte('0' + hi)
		if i < len(raw)-1 {
			if lo > 9 {
				return "", fmt.Errorf("invalid packed-decimal nibble in %02X", b)
			}
			sb.WriteByte('0' + lo)
		}
	}
	s := sb.String()
	if want > 0 && len(s) > want {
		s = s[len(s)-want:]
	}
	if neg {
		s = "-" + s
	}
	return s, nil
}

// encodeEBCDIC converts UTF-8 text to code page 037.
func encodeEBCDIC(s string) ([]byte, error) {
	out, err := ebcdic.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("ebcdic encode: %w", err)
	}
	return out, nil
}

// decodeEBCDIC converts code page 037 bytes to UTF-8 text.
func decodeEBCDIC(raw []byte) (string, error) {
	out, err := ebcdic.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("ebcdic decode: %w", err)
	}
	return string(out), nil
}

// encodeHexField converts a hex string to its raw bytes.
func encodeHexField(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex encode: %w", err)
	}
	return raw, nil
}

// decodeHexField renders raw bytes as an uppercase hex string.
func decodeHexField(raw []byte) string {
	return strings.ToUpper(hex.EncodeToString(raw))
}

func nibble(c byte) (byte, error) {
	if c < '0' || c > '9' {
		return 0, fmt.Errorf("non-digit %q in numeric value", c)
	}
	return c - '0', nil
}

// padValue grows a short fixed-field value per its type: digits gain
// leading zeros, text gains trailing spaces, binary gains trailing
// zero bytes.
func padValue(f *FieldDef, value string) (string, error) {
	unit := f.Length
	if len(value) > unit && f.Encoding != Raw && f.Encoding != HexEnc {
		return "", fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(value), unit)
	}
	switch f.Encoding {
	case BCD, PackedDecimal:
		return leftPad(value, unit, '0'), nil
	case ASCII, EBCDIC:
		if f.Type == Numeric {
			return leftPad(value, unit, '0'), nil
		}
		return rightPad(value, unit, ' '), nil
	case HexEnc:
		if len(value) > 2*unit {
			return "", fmt.Errorf("%w: %d hex digits > %d", ErrValueTooLong, len(value), 2*unit)
		}
		return leftPad(value, 2*unit, '0'), nil
	default:
		return value, nil
	}
}

func leftPad(s string, n int, c byte) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(string(c), n-len(s)) + s
}

func rightPad(s string, n int, c byte) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(string(c), n-len(s))
}
