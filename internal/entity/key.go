// Package entity defines the records the auto-save engine works on: the
// composite Key that addresses them, their ordered Fields, the Entity and
// Snapshot value types, and the error taxonomy shared by the engine and its
// persistence bindings.
//
// This is a leaf package; it depends only on golang.org/x/text beyond stdlib.
package entity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// keySeparator joins the escaped owner and record components in the string
// form of a Key.
const keySeparator = "/"

// ErrInvalidKey is returned by ParseKey for malformed key strings.
var ErrInvalidKey = errors.New("entity: invalid key")

// Key is a composite (Owner, Record) identity, stable for the lifetime of an
// entity. Owner is the context the record lives in (e.g. a business date or
// place), Record the record ID within it.
//
// Comparable: both fields are strings, so Key is usable as a map key.
type Key struct {
	Owner  string
	Record string
}

// NewKey creates a Key with both components NFC-normalized, so keys typed on
// different platforms (precomposed vs decomposed accents) compare equal.
func NewKey(owner, record string) Key {
	return Key{
		Owner:  norm.NFC.String(owner),
		Record: norm.NFC.String(record),
	}
}

// String returns the "owner/record" form with each component path-escaped.
// This is the form used on the wire and in the fallback store.
func (k Key) String() string {
	return url.PathEscape(k.Owner) + keySeparator + url.PathEscape(k.Record)
}

// IsZero reports whether both components are empty.
func (k Key) IsZero() bool {
	return k.Owner == "" && k.Record == ""
}

// ParseKey parses the String form back into a Key.
func ParseKey(s string) (Key, error) {
	owner, record, ok := strings.Cut(s, keySeparator)
	if !ok || record == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}

	o, err := url.PathUnescape(owner)
	if err != nil {
		return Key{}, fmt.Errorf("%w: owner of %q: %w", ErrInvalidKey, s, err)
	}

	r, err := url.PathUnescape(record)
	if err != nil {
		return Key{}, fmt.Errorf("%w: record of %q: %w", ErrInvalidKey, s, err)
	}

	return NewKey(o, r), nil
}

// MarshalText implements encoding.TextMarshaler, so Key encodes as a JSON
// string and can be a JSON object key.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}

// Less orders keys by owner, then record. Used for deterministic output.
func (k Key) Less(other Key) bool {
	if k.Owner != other.Owner {
		return k.Owner < other.Owner
	}

	return k.Record < other.Record
}
