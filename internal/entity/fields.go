package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Field is one name/value pair of an entity.
type Field struct {
	Name  string
	Value any
}

// Fields is an ordered mapping of field name to value. Order is insertion
// order and is preserved through JSON encoding. Values are normalized on the
// way in (see Set), so equality never depends on which numeric type or
// Unicode form the caller happened to use.
//
// The zero value is an empty, usable Fields.
type Fields struct {
	list  []Field
	index map[string]int
}

// FieldsOf builds Fields from name/value pairs: FieldsOf("count", 5, "note", "x").
// It panics on an odd argument count or a non-string name, which are
// programming errors; unsupported values return an error from Set instead.
func FieldsOf(pairs ...any) (Fields, error) {
	if len(pairs)%2 != 0 {
		panic("entity: FieldsOf requires name/value pairs")
	}

	var f Fields

	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("entity: FieldsOf name at %d is %T, not string", i, pairs[i]))
		}

		if err := f.Set(name, pairs[i+1]); err != nil {
			return Fields{}, err
		}
	}

	return f, nil
}

// MustFields is FieldsOf for literals known to be valid (tests, examples).
func MustFields(pairs ...any) Fields {
	f, err := FieldsOf(pairs...)
	if err != nil {
		panic(err)
	}

	return f
}

// Set assigns a value, appending the field if it is new. The value is
// normalized; unsupported types are rejected.
func (f *Fields) Set(name string, value any) error {
	v, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}

	if f.index == nil {
		f.index = make(map[string]int)
	}

	if i, ok := f.index[name]; ok {
		f.list[i].Value = v
		return nil
	}

	f.index[name] = len(f.list)
	f.list = append(f.list, Field{Name: name, Value: v})

	return nil
}

// Get returns the value for name and whether it is present.
func (f Fields) Get(name string) (any, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}

	return f.list[i].Value, true
}

// Len returns the number of fields.
func (f Fields) Len() int {
	return len(f.list)
}

// Names returns the field names in order.
func (f Fields) Names() []string {
	names := make([]string, len(f.list))
	for i := range f.list {
		names[i] = f.list[i].Name
	}

	return names
}

// All returns a copy of the field list in order.
func (f Fields) All() []Field {
	out := make([]Field, len(f.list))
	copy(out, f.list)

	return out
}

// Clone returns an independent copy. Nested display values are shared; they
// are treated as immutable.
func (f Fields) Clone() Fields {
	if len(f.list) == 0 {
		return Fields{}
	}

	out := Fields{
		list:  make([]Field, len(f.list)),
		index: make(map[string]int, len(f.index)),
	}
	copy(out.list, f.list)

	for k, v := range f.index {
		out.index[k] = v
	}

	return out
}

// Merge returns a copy of f with every field of patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	for _, fld := range patch.list {
		// Values in patch are already normalized.
		_ = out.Set(fld.Name, fld.Value)
	}

	return out
}

// Without returns a copy of f excluding the named fields and every
// display-only value (nested objects/arrays).
func (f Fields) Without(skip map[string]bool) Fields {
	var out Fields

	for _, fld := range f.list {
		if skip[fld.Name] || IsDisplayValue(fld.Value) {
			continue
		}

		_ = out.Set(fld.Name, fld.Value)
	}

	return out
}

// Equal reports whether f and other hold the same comparable fields with
// equal values. Field order is irrelevant; display-only values and names in
// skip are ignored on both sides.
func (f Fields) Equal(other Fields, skip map[string]bool) bool {
	return len(f.Diff(other, skip)) == 0
}

// Diff returns the names of comparable fields whose values differ between f
// and other, including fields present on only one side. Names are ordered by
// their first appearance in f, then in other.
func (f Fields) Diff(other Fields, skip map[string]bool) []string {
	var changed []string

	seen := make(map[string]bool, len(f.list))

	for _, fld := range f.list {
		seen[fld.Name] = true

		if skip[fld.Name] || IsDisplayValue(fld.Value) {
			continue
		}

		ov, ok := other.Get(fld.Name)
		if !ok || !ValuesEqual(fld.Value, ov) {
			changed = append(changed, fld.Name)
		}
	}

	for _, fld := range other.list {
		if seen[fld.Name] || skip[fld.Name] || IsDisplayValue(fld.Value) {
			continue
		}

		changed = append(changed, fld.Name)
	}

	return changed
}

// MarshalJSON encodes Fields as a JSON object in field order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, fld := range f.list {
		if i > 0 {
			buf.WriteByte(',')
		}

		name, err := json.Marshal(fld.Name)
		if err != nil {
			return nil, err
		}

		val, err := json.Marshal(fld.Value)
		if err != nil {
			return nil, fmt.Errorf("entity: encoding field %q: %w", fld.Name, err)
		}

		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order. Numbers are
// decoded exactly (int64 when integral); strings in RFC 3339 date-time form
// become time.Time so dates survive a round trip unchanged.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("entity: decoding fields: %w", err)
	}

	if tok == nil {
		*f = Fields{}
		return nil
	}

	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("entity: fields must be a JSON object")
	}

	var out Fields

	for dec.More() {
		nameTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("entity: decoding field name: %w", err)
		}

		name, ok := nameTok.(string)
		if !ok {
			return fmt.Errorf("entity: unexpected field name token %v", nameTok)
		}

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("entity: decoding field %q: %w", name, err)
		}

		if err := out.Set(name, decodedValue(raw)); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("entity: decoding fields: %w", err)
	}

	*f = out

	return nil
}

// decodedValue post-processes a value produced by encoding/json with
// UseNumber: date-time strings become time.Time, nested json.Numbers inside
// display objects are left alone.
func decodedValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}

	return s
}
