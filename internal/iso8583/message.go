package iso8583

import (
	"fmt"
	"sort"
	"strings"
)

// Message is one ISO-8583 style message: an MTI, a bitmap and the data
// fields keyed by bitmap number. A message built for a schema rejects
// field numbers the schema does not define.
//
// Field values are strings for text, numeric, BCD, hex and track data,
// []byte for binary fields, and map[string]string for composites keyed
// by child id. A Message is not safe for concurrent mutation.
type Message struct {
	mti    string
	schema *Schema
	bitmap *Bitmap
	fields map[int]any
	header map[string]string
}

// NewMessage returns an empty message bound to a schema. A nil schema
// yields a free-form message that accepts any field number.
func NewMessage(schema *Schema) *Message {
	return &Message{
		schema: schema,
		bitmap: NewBitmap(),
		fields: make(map[int]any),
	}
}

// Schema returns the schema the message was built for, or nil.
func (m *Message) Schema() *Schema { return m.schema }

// SetMTI sets the four-digit message type indicator.
func (m *Message) SetMTI(mti string) error {
	if len(mti) != 4 {
		return fmt.Errorf("mti must be 4 digits, got %q", mti)
	}
	for i := 0; i < 4; i++ {
		if mti[i] < '0' || mti[i] > '9' {
			return fmt.Errorf("mti must be 4 digits, got %q", mti)
		}
	}
	m.mti = mti
	return nil
}

// MTI returns the message type indicator.
func (m *Message) MTI() string { return m.mti }

// SetField stores a field value and marks its bit. Unknown numbers are
// rejected when a schema is attached.
func (m *Message) SetField(number int, value any) error {
	if m.schema != nil {
		if _, ok := m.schema.Field(number); !ok {
			return &FieldError{Number: number, Op: "set", Err: fmt.Errorf("not defined by schema %s", m.schema.Name)}
		}
	}
	switch value.(type) {
	case string, []byte, map[string]string:
	default:
		return &FieldError{Number: number, Op: "set", Err: fmt.Errorf("unsupported value type %T", value)}
	}
	if err := m.bitmap.Set(number); err != nil {
		return err
	}
	m.fields[number] = value
	return nil
}

// SetById stores a field by schema id.
func (m *Message) SetById(id string, value any) error {
	if m.schema == nil {
		return ErrNoSchema
	}
	n, ok := m.schema.NumberOf(id)
	if !ok {
		return &FieldError{Id: id, Op: "set", Err: ErrSchemaNotFound}
	}
	return m.SetField(n, value)
}

// Unset removes a field and clears its bit.
func (m *Message) Unset(number int) {
	if _, ok := m.fields[number]; !ok {
		return
	}
	delete(m.fields, number)
	_ = m.bitmap.Clear(number)
}

// Has reports whether a field is present.
func (m *Message) Has(number int) bool {
	_, ok := m.fields[number]
	return ok
}

// Field returns the raw field value.
func (m *Message) Field(number int) (any, bool) {
	v, ok := m.fields[number]
	return v, ok
}

// GetString returns a text field. Binary fields come back hex encoded.
func (m *Message) GetString(number int) (string, error) {
	v, ok := m.fields[number]
	if !ok {
		return "", &FieldError{Number: number, Op: "get", Err: ErrFieldNotSet}
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return decodeHexField(t), nil
	default:
		return "", &FieldError{Number: number, Op: "get", Err: fmt.Errorf("field is composite")}
	}
}

// GetBytes returns a binary field. Text fields come back as raw bytes.
func (m *Message) GetBytes(number int) ([]byte, error) {
	v, ok := m.fields[number]
	if !ok {
		return nil, &FieldError{Number: number, Op: "get", Err: ErrFieldNotSet}
	}
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, &FieldError{Number: number, Op: "get", Err: fmt.Errorf("field is composite")}
	}
}

// GetById returns a field by schema id.
func (m *Message) GetById(id string) (any, bool) {
	if m.schema == nil {
		return nil, false
	}
	n, ok := m.schema.NumberOf(id)
	if !ok {
		return nil, false
	}
	return m.Field(n)
}

// StringById returns a text field by schema id, or "" when absent.
func (m *Message) StringById(id string) string {
	if m.schema == nil {
		return ""
	}
	n, ok := m.schema.NumberOf(id)
	if !ok {
		return ""
	}
	s, err := m.GetString(n)
	if err != nil {
		return ""
	}
	return s
}

// Fields returns the present field numbers in ascending order.
func (m *Message) Fields() []int {
	out := make([]int, 0, len(m.fields))
	for n := range m.fields {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Bitmap returns the live bitmap. Mutate fields through the message,
// not the bitmap.
func (m *Message) Bitmap() *Bitmap { return m.bitmap }

// SetHeader stores a header field value by id.
func (m *Message) SetHeader(id, value string) {
	if m.header == nil {
		m.header = make(map[string]string)
	}
	m.header[id] = value
}

// Header returns a header field value by id.
func (m *Message) Header(id string) (string, bool) {
	v, ok := m.header[id]
	return v, ok
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := NewMessage(m.schema)
	c.mti = m.mti
	for n, v := range m.fields {
		switch t := v.(type) {
		case []byte:
			b := make([]byte, len(t))
			copy(b, t)
			c.fields[n] = b
		case map[string]string:
			cm := make(map[string]string, len(t))
			for k, vv := range t {
				cm[k] = vv
			}
			c.fields[n] = cm
		default:
			c.fields[n] = v
		}
		_ = c.bitmap.Set(n)
	}
	for k, v := range m.header {
		c.SetHeader(k, v)
	}
	return c
}

// Values returns the by-id view of the message for schema-driven
// consumers. Fields without a schema definition are keyed "f<number>".
func (m *Message) Values() map[string]any {
	out := make(map[string]any, len(m.fields))
	for n, v := range m.fields {
		key := fmt.Sprintf("f%d", n)
		if m.schema != nil {
			if def, ok := m.schema.Field(n); ok {
				key = def.Id
			}
		}
		out[key] = v
	}
	return out
}

// FromValues builds a schema-bound message from a by-id value map.
func FromValues(schema *Schema, mti string, values map[string]any) (*Message, error) {
	if schema == nil {
		return nil, ErrNoSchema
	}
	m := NewMessage(schema)
	if err := m.SetMTI(mti); err != nil {
		return nil, err
	}
	for id, v := range values {
		if err := m.SetById(id, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// String renders the message for logs. Sensitive fields are masked and
// there is no way to render them in the clear.
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MTI=%s bitmap=%s", m.mti, m.bitmap.Hex())
	for _, n := range m.Fields() {
		var def *FieldDef
		if m.schema != nil {
			def, _ = m.schema.Field(n)
		}
		fmt.Fprintf(&sb, " F%d=%s", n, m.renderField(n, def))
	}
	return sb.String()
}

func (m *Message) renderField(number int, def *FieldDef) string {
	v := m.fields[number]
	var plain string
	switch t := v.(type) {
	case string:
		plain = t
	case []byte:
		plain = decodeHexField(t)
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(t))
		for _, k := range keys {
			parts = append(parts, k+"="+t[k])
		}
		plain = "{" + strings.Join(parts, " ") + "}"
	}
	if def != nil && def.Sensitive {
		return maskSensitive(def, plain)
	}
	return plain
}

// maskSensitive hides cardholder data. PAN-like values keep the first
// six and last four digits; everything else is fully masked.
func maskSensitive(def *FieldDef, v string) string {
	if v == "" {
		return ""
	}
	if def.Id == FieldPAN && len(v) >= 13 {
		return v[:6] + strings.Repeat("*", len(v)-10) + v[len(v)-4:]
	}
	return strings.Repeat("*", len(v))
}
