package iso8583

import (
	"fmt"
)

// Decode parses a wire message against a schema. The decoder is
// strict: short reads, unknown bitmap fields and trailing undecoded
// bytes are all errors.
func Decode(s *Schema, buf []byte) (*Message, error) {
	if s == nil {
		return nil, ErrNoSchema
	}
	m := NewMessage(s)
	d := &decoder{buf: buf}

	if s.Header != nil {
		if s.Header.IncludeLength {
			raw, err := d.take(s.Header.LengthBytes, "BCD length prefix")
			if err != nil {
				return nil, err
			}
			digits, err := decodeBCD(raw, 2*s.Header.LengthBytes)
			if err != nil {
				return nil, &ParseError{Offset: 0, Expected: "BCD length prefix", Got: err.Error()}
			}
			want := 0
			for _, c := range digits {
				want = want*10 + int(c-'0')
			}
			// The prefix bounds the read: exactly want bytes may follow.
			if remaining := len(buf) - d.off; remaining != want {
				return nil, &ParseError{
					Offset:   d.off,
					Expected: fmt.Sprintf("%d message bytes", want),
					Got:      fmt.Sprintf("%d bytes", remaining),
				}
			}
		}
		for i := range s.Header.Fields {
			def := &s.Header.Fields[i]
			v, err := d.scalar(def)
			if err != nil {
				return nil, &FieldError{Id: def.Id, Op: "decode header", Err: err}
			}
			m.SetHeader(def.Id, v)
		}
	}

	mti, err := d.mti(s)
	if err != nil {
		return nil, err
	}
	if err := m.SetMTI(mti); err != nil {
		return nil, &ParseError{Offset: d.off, Expected: "numeric MTI", Got: mti}
	}

	bitmap, n, err := ParseBitmap(d.buf[d.off:])
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Offset += d.off
		}
		return nil, err
	}
	d.off += n

	for _, f := range bitmap.Fields() {
		def, ok := s.Field(f)
		if !ok {
			return nil, &FieldError{Number: f, Op: "decode", Err: fmt.Errorf("bit set for field not defined by schema %s", s.Name)}
		}
		v, err := d.field(def)
		if err != nil {
			return nil, &FieldError{Id: def.Id, Number: f, Op: "decode", Err: err}
		}
		if err := m.SetField(f, v); err != nil {
			return nil, err
		}
	}

	for i := range s.Trailer {
		def := &s.Trailer[i]
		v, err := d.scalar(def)
		if err != nil {
			return nil, &FieldError{Id: def.Id, Op: "decode trailer", Err: err}
		}
		m.SetHeader(def.Id, v)
	}

	if d.off != len(d.buf) {
		return nil, fmt.Errorf("%w: %d of %d bytes consumed", ErrTrailingBytes, d.off, len(d.buf))
	}
	return m, nil
}

type decoder struct {
	buf []byte
	off int
}

// take consumes n bytes or fails with the current offset.
func (d *decoder) take(n int, expected string) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, &ParseError{
			Offset:   d.off,
			Expected: expected,
			Got:      fmt.Sprintf("%d bytes remaining", len(d.buf)-d.off),
		}
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) mti(s *Schema) (string, error) {
	switch s.MTIEncoding {
	case ASCII:
		raw, err := d.take(4, "4-byte ASCII MTI")
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case EBCDIC:
		raw, err := d.take(4, "4-byte EBCDIC MTI")
		if err != nil {
			return "", err
		}
		return decodeEBCDIC(raw)
	default:
		raw, err := d.take(2, "2-byte BCD MTI")
		if err != nil {
			return "", err
		}
		return decodeBCD(raw, 4)
	}
}

// field decodes one bitmap field, recursing into composites.
func (d *decoder) field(def *FieldDef) (any, error) {
	if def.Type == Composite {
		units, err := d.varLength(def)
		if err != nil {
			return nil, err
		}
		raw, err := d.take(units, fmt.Sprintf("%d composite bytes", units))
		if err != nil {
			return nil, err
		}
		sub := &decoder{buf: raw}
		children := make(map[string]string, len(def.Children))
		for i := range def.Children {
			child := &def.Children[i]
			v, err := sub.scalar(child)
			if err != nil {
				return nil, &FieldError{Id: child.Id, Op: "decode", Err: err}
			}
			children[child.Id] = v
		}
		if sub.off != len(sub.buf) {
			return nil, fmt.Errorf("%w: composite %s", ErrTrailingBytes, def.Id)
		}
		return children, nil
	}
	if def.Encoding == Raw {
		units := def.Length
		if def.LengthType != Fixed {
			var err error
			units, err = d.varLength(def)
			if err != nil {
				return nil, err
			}
		}
		raw, err := d.take(units, fmt.Sprintf("%d binary bytes", units))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	return d.scalar(def)
}

// scalar decodes a string-valued field.
func (d *decoder) scalar(def *FieldDef) (string, error) {
	units := def.Length
	if def.LengthType != Fixed {
		var err error
		units, err = d.varLength(def)
		if err != nil {
			return "", err
		}
	}
	width := byteWidth(def.Encoding, units)
	raw, err := d.take(width, fmt.Sprintf("%d bytes for %s value", width, def.Encoding))
	if err != nil {
		return "", err
	}
	switch def.Encoding {
	case ASCII:
		return trimDecoded(def, string(raw)), nil
	case EBCDIC:
		s, err := decodeEBCDIC(raw)
		if err != nil {
			return "", err
		}
		return trimDecoded(def, s), nil
	case BCD:
		return decodeBCD(raw, units)
	case PackedDecimal:
		return decodePackedDecimal(raw, units)
	case HexEnc:
		return decodeHexField(raw), nil
	case Raw:
		return string(raw), nil
	default:
		return "", fmt.Errorf("unsupported encoding %s", def.Encoding)
	}
}

// varLength reads and validates an LVAR..LLLLVAR prefix, returning the
// data length in field units.
func (d *decoder) varLength(def *FieldDef) (int, error) {
	digits := def.LengthType.Digits()
	var lenStr string
	switch def.LengthEncoding {
	case BCD:
		raw, err := d.take((digits+1)/2, fmt.Sprintf("%d-digit BCD length", digits))
		if err != nil {
			return 0, err
		}
		lenStr, err = decodeBCD(raw, digits)
		if err != nil {
			return 0, err
		}
	case EBCDIC:
		raw, err := d.take(digits, fmt.Sprintf("%d-digit EBCDIC length", digits))
		if err != nil {
			return 0, err
		}
		var err2 error
		lenStr, err2 = decodeEBCDIC(raw)
		if err2 != nil {
			return 0, err2
		}
	default:
		raw, err := d.take(digits, fmt.Sprintf("%d-digit ASCII length", digits))
		if err != nil {
			return 0, err
		}
		lenStr = string(raw)
	}
	units := 0
	for i := 0; i < len(lenStr); i++ {
		c := lenStr[i]
		if c < '0' || c > '9' {
			return 0, &ParseError{Offset: d.off, Expected: "numeric length prefix", Got: lenStr}
		}
		units = units*10 + int(c-'0')
	}
	if units > def.Length {
		return 0, fmt.Errorf("%w: prefix %d exceeds schema max %d", ErrValueTooLong, units, def.Length)
	}
	return units, nil
}

// trimDecoded strips fixed-field space padding from text values.
// Numeric fields keep their leading zeros.
func trimDecoded(def *FieldDef, s string) string {
	if def.LengthType != Fixed || def.Type == Numeric {
		return s
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}
