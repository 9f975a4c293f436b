// Package iso8583 implements a schema-driven codec for ISO-8583 style
// binary messages: MTI, primary/secondary bitmaps, and data fields in
// BCD/ASCII/EBCDIC/HEX/binary/packed-decimal encodings.
//
// The codec is stateless; a Schema may be shared by any number of
// goroutines once built.
package iso8583

import (
	"fmt"
)

// DataType describes how a field's decoded value is interpreted.
type DataType int

const (
	// Alphanumeric is free text.
	Alphanumeric DataType = iota
	// Numeric is digits only.
	Numeric
	// Binary is raw bytes.
	Binary
	// BCDType is packed decimal digits without a sign nibble.
	BCDType
	// Hex is a hexadecimal string transported as raw bytes.
	Hex
	// Track2 is magnetic stripe track 2 data (sensitive).
	Track2
	// Composite is a field made of ordered child fields.
	Composite
)

// String returns the schema name of the data type.
func (t DataType) String() string {
	switch t {
	case Alphanumeric:
		return "ALPHANUMERIC"
	case Numeric:
		return "NUMERIC"
	case Binary:
		return "BINARY"
	case BCDType:
		return "BCD"
	case Hex:
		return "HEX"
	case Track2:
		return "TRACK2"
	case Composite:
		return "COMPOSITE"
	default:
		return "UNKNOWN"
	}
}

// LengthType describes how a field's length is carried on the wire.
type LengthType int

const (
	// Fixed fields occupy exactly Length data units.
	Fixed LengthType = iota
	// LVar fields carry a one-digit length prefix (max 9).
	LVar
	// LLVar fields carry a two-digit length prefix (max 99).
	LLVar
	// LLLVar fields carry a three-digit length prefix (max 999).
	LLLVar
	// LLLLVar fields carry a four-digit length prefix (max 9999).
	LLLLVar
)

// Digits returns the number of length-prefix digits, 0 for fixed fields.
func (lt LengthType) Digits() int {
	switch lt {
	case LVar:
		return 1
	case LLVar:
		return 2
	case LLLVar:
		return 3
	case LLLLVar:
		return 4
	default:
		return 0
	}
}

// Max returns the largest data length the prefix can express.
func (lt LengthType) Max() int {
	switch lt {
	case LVar:
		return 9
	case LLVar:
		return 99
	case LLLVar:
		return 999
	case LLLLVar:
		return 9999
	default:
		return 0
	}
}

// String returns the schema name of the length type.
func (lt LengthType) String() string {
	switch lt {
	case Fixed:
		return "FIXED"
	case LVar:
		return "LVAR"
	case LLVar:
		return "LLVAR"
	case LLLVar:
		return "LLLVAR"
	case LLLLVar:
		return "LLLLVAR"
	default:
		return "UNKNOWN"
	}
}

// Encoding describes the byte-level representation of a field.
type Encoding int

const (
	// ASCII is one character per byte.
	ASCII Encoding = iota
	// EBCDIC is one character per byte via code page 037.
	EBCDIC
	// BCD packs two decimal digits per byte.
	BCD
	// HexEnc transports a hex string as raw bytes (two digits per byte).
	HexEnc
	// Raw is a pass-through of the bytes.
	Raw
	// PackedDecimal is BCD with a trailing sign nibble (C positive, D negative).
	PackedDecimal
)

// String returns the schema name of the encoding.
func (e Encoding) String() string {
	switch e {
	case ASCII:
		return "ASCII"
	case EBCDIC:
		return "EBCDIC"
	case BCD:
		return "BCD"
	case HexEnc:
		return "HEX"
	case Raw:
		return "BINARY"
	case PackedDecimal:
		return "PACKED_DECIMAL"
	default:
		return "UNKNOWN"
	}
}

// FieldDef describes one field of a message schema.
type FieldDef struct {
	// Id is the stable schema identifier, e.g. "pan" or "stan".
	Id string

	// Number is the bitmap position 2..128. Header, trailer and child
	// fields use 0.
	Number int

	// Type is the decoded interpretation of the field.
	Type DataType

	// Length is the fixed data length, or the maximum length for
	// variable fields. For BCD and packed-decimal fields the unit is
	// digits; for everything else it is bytes.
	Length int

	// LengthType selects fixed or LVAR..LLLLVAR framing.
	LengthType LengthType

	// Encoding is the data encoding. Zero value is ASCII.
	Encoding Encoding

	// LengthEncoding is the encoding of the variable-length prefix
	// (ASCII or BCD). Zero value is ASCII.
	LengthEncoding Encoding

	// Children holds the ordered sub-fields of a composite.
	Children []FieldDef

	// Default is encoded when the field is required but absent.
	Default string

	// Required marks fields the assembler refuses to omit.
	Required bool

	// Sensitive fields are masked in every textual rendering.
	Sensitive bool
}

// HeaderDef describes the optional schema header.
type HeaderDef struct {
	// IncludeLength prepends a BCD total-length prefix to the message.
	// The prefix value excludes its own bytes.
	IncludeLength bool

	// LengthBytes is the byte width of the BCD length prefix.
	LengthBytes int

	// Fields are decoded in order after the length prefix.
	Fields []FieldDef
}

// Schema is an immutable description of one wire format.
type Schema struct {
	// Name identifies the schema in the registry.
	Name string

	// Version distinguishes revisions of the same format.
	Version string

	// Header is decoded before the MTI, if present.
	Header *HeaderDef

	// Trailer fields are decoded after the last bitmap field.
	Trailer []FieldDef

	// Fields is the ordered set of bitmap-addressed fields.
	Fields []FieldDef

	// MTIEncoding is how the four-digit MTI travels: ASCII or EBCDIC
	// (four bytes), anything else as BCD (two bytes). Zero value is
	// ASCII.
	MTIEncoding Encoding

	byNumber map[int]*FieldDef
	byId     map[string]*FieldDef
}

// NewSchema builds a schema and indexes its fields. Field numbers must
// be unique and within 2..128; ids must be unique and non-empty.
func NewSchema(name, version string, header *HeaderDef, fields []FieldDef, trailer []FieldDef) (*Schema, error) {
	s := &Schema{
		Name:     name,
		Version:  version,
		Header:   header,
		Trailer:  trailer,
		Fields:   fields,
		byNumber: make(map[int]*FieldDef, len(fields)),
		byId:     make(map[string]*FieldDef, len(fields)),
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Number < 2 || f.Number > MaxField {
			return nil, fmt.Errorf("schema %s: field %q: number %d out of range 2..%d", name, f.Id, f.Number, MaxField)
		}
		if f.Id == "" {
			return nil, fmt.Errorf("schema %s: field %d has no id", name, f.Number)
		}
		if _, dup := s.byNumber[f.Number]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field number %d", name, f.Number)
		}
		if _, dup := s.byId[f.Id]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field id %q", name, f.Id)
		}
		if f.LengthType != Fixed && f.Length > f.LengthType.Max() {
			return nil, fmt.Errorf("schema %s: field %q: max length %d exceeds %s capacity %d",
				name, f.Id, f.Length, f.LengthType, f.LengthType.Max())
		}
		s.byNumber[f.Number] = f
		s.byId[f.Id] = f
	}
	if header != nil && header.IncludeLength && header.LengthBytes <= 0 {
		return nil, fmt.Errorf("schema %s: includeLength requires lengthBytes > 0", name)
	}
	return s, nil
}

// Field returns the definition for a bitmap field number.
func (s *Schema) Field(number int) (*FieldDef, bool) {
	f, ok := s.byNumber[number]
	return f, ok
}

// FieldById returns the definition for a schema id.
func (s *Schema) FieldById(id string) (*FieldDef, bool) {
	f, ok := s.byId[id]
	return f, ok
}

// NumberOf resolves a schema id to its bitmap field number.
func (s *Schema) NumberOf(id string) (int, bool) {
	f, ok := s.byId[id]
	if !ok {
		return 0, false
	}
	return f.Number, true
}

// Key returns the registry key for this schema.
func (s *Schema) Key() string {
	return s.Name + "@" + s.Version
}
