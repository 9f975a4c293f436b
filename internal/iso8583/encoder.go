package iso8583

import (
	"bytes"
	"fmt"
)

// Encode assembles the wire form of a message: optional header, MTI,
// bitmaps and the present fields in ascending order, then the trailer.
// Required fields that are absent take the schema default; a required
// field with no value and no default fails the encode.
func Encode(m *Message) ([]byte, error) {
	s := m.Schema()
	if s == nil {
		return nil, ErrNoSchema
	}
	if m.MTI() == "" {
		return nil, fmt.Errorf("encode: %w", fmt.Errorf("mti not set"))
	}

	// Effective field set: message fields plus schema defaults.
	values := make(map[int]any, len(m.fields))
	bitmap := NewBitmap()
	for n, v := range m.fields {
		values[n] = v
		if err := bitmap.Set(n); err != nil {
			return nil, err
		}
	}
	for i := range s.Fields {
		def := &s.Fields[i]
		if !def.Required {
			continue
		}
		if _, ok := values[def.Number]; ok {
			continue
		}
		if def.Default == "" {
			return nil, &FieldError{Id: def.Id, Number: def.Number, Op: "encode", Err: ErrMissingRequired}
		}
		values[def.Number] = def.Default
		if err := bitmap.Set(def.Number); err != nil {
			return nil, err
		}
	}

	var body bytes.Buffer

	if s.Header != nil {
		for i := range s.Header.Fields {
			def := &s.Header.Fields[i]
			v, ok := m.Header(def.Id)
			if !ok {
				if def.Default == "" {
					return nil, &FieldError{Id: def.Id, Op: "encode header", Err: ErrMissingRequired}
				}
				v = def.Default
			}
			raw, err := encodeScalar(def, v)
			if err != nil {
				return nil, &FieldError{Id: def.Id, Op: "encode header", Err: err}
			}
			body.Write(raw)
		}
	}

	mti, err := encodeMTI(s, m.MTI())
	if err != nil {
		return nil, err
	}
	body.Write(mti)
	body.Write(bitmap.Bytes())

	for f := 2; f <= MaxField; f++ {
		v, ok := values[f]
		if !ok {
			continue
		}
		def, ok := s.Field(f)
		if !ok {
			return nil, &FieldError{Number: f, Op: "encode", Err: fmt.Errorf("not defined by schema %s", s.Name)}
		}
		raw, err := encodeField(def, v)
		if err != nil {
			return nil, &FieldError{Id: def.Id, Number: f, Op: "encode", Err: err}
		}
		body.Write(raw)
	}

	for i := range s.Trailer {
		def := &s.Trailer[i]
		v, ok := m.Header(def.Id)
		if !ok {
			if def.Default == "" {
				return nil, &FieldError{Id: def.Id, Op: "encode trailer", Err: ErrMissingRequired}
			}
			v = def.Default
		}
		raw, err := encodeScalar(def, v)
		if err != nil {
			return nil, &FieldError{Id: def.Id, Op: "encode trailer", Err: err}
		}
		body.Write(raw)
	}

	if s.Header != nil && s.Header.IncludeLength {
		prefix, err := lengthPrefix(body.Len(), s.Header.LengthBytes)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, len(prefix)+body.Len())
		out = append(out, prefix...)
		return append(out, body.Bytes()...), nil
	}
	return body.Bytes(), nil
}

// lengthPrefix renders a BCD total length over width bytes. The value
// excludes the prefix itself.
func lengthPrefix(n, width int) ([]byte, error) {
	max := 1
	for i := 0; i < 2*width; i++ {
		max *= 10
	}
	if n >= max {
		return nil, fmt.Errorf("message length %d exceeds %d-byte BCD prefix", n, width)
	}
	digits := fmt.Sprintf("%0*d", 2*width, n)
	return encodeBCD(digits)
}

func encodeMTI(s *Schema, mti string) ([]byte, error) {
	switch s.MTIEncoding {
	case ASCII:
		return []byte(mti), nil
	case EBCDIC:
		return encodeEBCDIC(mti)
	default:
		return encodeBCD(mti)
	}
}

// encodeField renders one bitmap field, composites included.
func encodeField(def *FieldDef, value any) ([]byte, error) {
	if def.Type == Composite {
		children, ok := value.(map[string]string)
		if !ok {
			return nil, fmt.Errorf("composite value must be map[string]string, got %T", value)
		}
		var inner bytes.Buffer
		for i := range def.Children {
			child := &def.Children[i]
			v, ok := children[child.Id]
			if !ok {
				if child.Default == "" && child.Required {
					return nil, &FieldError{Id: child.Id, Op: "encode", Err: ErrMissingRequired}
				}
				v = child.Default
			}
			raw, err := encodeScalar(child, v)
			if err != nil {
				return nil, &FieldError{Id: child.Id, Op: "encode", Err: err}
			}
			inner.Write(raw)
		}
		return frameVariable(def, inner.Bytes(), inner.Len())
	}

	switch v := value.(type) {
	case string:
		return encodeScalar(def, v)
	case []byte:
		return encodeRaw(def, v)
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// encodeScalar renders a string-valued field per its encoding.
func encodeScalar(def *FieldDef, value string) ([]byte, error) {
	if def.LengthType == Fixed {
		padded, err := padValue(def, value)
		if err != nil {
			return nil, err
		}
		return scalarBytes(def, padded)
	}

	units := scalarUnits(def, value)
	if units > def.Length {
		return nil, fmt.Errorf("%w: %d > %d", ErrValueTooLong, units, def.Length)
	}
	if units == 0 {
		return nil, fmt.Errorf("empty variable-length value")
	}
	data, err := scalarBytes(def, value)
	if err != nil {
		return nil, err
	}
	return frameVariable(def, data, units)
}

func encodeRaw(def *FieldDef, value []byte) ([]byte, error) {
	if def.LengthType == Fixed {
		if len(value) > def.Length {
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrValueTooLong, len(value), def.Length)
		}
		out := make([]byte, def.Length)
		copy(out, value)
		return out, nil
	}
	if len(value) > def.Length {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrValueTooLong, len(value), def.Length)
	}
	return frameVariable(def, value, len(value))
}

// scalarUnits counts the length-prefix units of a value: digits for
// BCD and packed decimal, bytes for hex, characters otherwise.
func scalarUnits(def *FieldDef, value string) int {
	switch def.Encoding {
	case PackedDecimal:
		n := len(value)
		if len(value) > 0 && (value[0] == '-' || value[0] == '+') {
			n--
		}
		return n
	case HexEnc:
		return (len(value) + 1) / 2
	default:
		return len(value)
	}
}

func scalarBytes(def *FieldDef, value string) ([]byte, error) {
	switch def.Encoding {
	case ASCII:
		return []byte(value), nil
	case EBCDIC:
		return encodeEBCDIC(value)
	case BCD:
		return encodeBCD(value)
	case PackedDecimal:
		return encodePackedDecimal(value)
	case HexEnc:
		return encodeHexField(value)
	case Raw:
		return []byte(value), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %s", def.Encoding)
	}
}

// frameVariable prepends the LVAR..LLLLVAR length prefix.
func frameVariable(def *FieldDef, data []byte, units int) ([]byte, error) {
	digits := def.LengthType.Digits()
	if digits == 0 {
		return data, nil
	}
	if units > def.LengthType.Max() {
		return nil, fmt.Errorf("%w: %d exceeds %s capacity", ErrValueTooLong, units, def.LengthType)
	}
	lenStr := fmt.Sprintf("%0*d", digits, units)
	var prefix []byte
	var err error
	switch def.LengthEncoding {
	case BCD:
		prefix, err = encodeBCD(lenStr)
	case EBCDIC:
		prefix, err = encodeEBCDIC(lenStr)
	default:
		prefix = []byte(lenStr)
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(prefix)+len(data))
	out = append(out, prefix...)
	return append(out, data...), nil
}
