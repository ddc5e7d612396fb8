// Package records defines the ordered row shape shared by every format parser.
//
// A Record keeps keys in first-seen order. Order matters because parsed headers
// are computed from record keys, and because the rows are rendered back to JSON
// for prompts where a stable column order keeps the output readable.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Record is an ordered key/value row. The zero value is an empty record ready to use.
//
// Edge cases:
//   - Setting an existing key replaces its value but keeps its original position.
//   - Nested objects decoded by UnmarshalJSON are Records as well, so nested
//     order survives a checkpoint round trip.
type Record struct {
	keys []string
	vals map[string]any
}

// New builds a Record from alternating key/value pairs. It panics on an odd
// argument count or a non-string key; it is meant for literals in code and tests.
func New(kv ...any) Record {
	if len(kv)%2 != 0 {
		panic("records: New called with odd number of arguments")
	}
	var r Record
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("records: key at position %d is %T, want string", i, kv[i]))
		}
		r.Set(k, kv[i+1])
	}
	return r
}

// Set assigns v to k, appending k if it is new.
func (r *Record) Set(k string, v any) {
	if r.vals == nil {
		r.vals = make(map[string]any)
	}
	if _, ok := r.vals[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.vals[k] = v
}

// Get returns the value stored under k.
func (r Record) Get(k string) (any, bool) {
	v, ok := r.vals[k]
	return v, ok
}

// Keys returns the keys in insertion order. The slice must not be modified.
func (r Record) Keys() []string { return r.keys }

// Len returns the number of keys.
func (r Record) Len() int { return len(r.keys) }

// Map returns a shallow copy of the values as a plain map.
func (r Record) Map() map[string]any {
	out := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.vals[k]
	}
	return out
}

// MarshalJSON writes the record as a JSON object in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(r.vals[k])
		if err != nil {
			return nil, fmt.Errorf("records: marshal %q: %w", k, err)
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON reads a JSON object and keeps its key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("records: read first token: %w", err)
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("records: expected object, got %v", tok)
	}
	rec, err := DecodeObjectBody(dec)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// DecodeValue materializes the value that starts with tok. Objects become
// Records, arrays become []any, numbers stay json.Number when the decoder was
// configured with UseNumber.
func DecodeValue(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		return DecodeObjectBody(dec)
	case '[':
		arr := []any{}
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("records: read array value: %w", err)
			}
			v, err := DecodeValue(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("records: read array end: %w", err)
		} else if end != json.Delim(']') {
			return nil, fmt.Errorf("records: expected ']', got %v", end)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("records: unexpected delimiter %q", d)
	}
}

// DecodeObjectBody reads object members after the opening '{' has been consumed,
// including the closing '}'.
func DecodeObjectBody(dec *json.Decoder) (Record, error) {
	var rec Record
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("records: read key: %w", err)
		}
		k, ok := kt.(string)
		if !ok {
			return Record{}, fmt.Errorf("records: key not a string (got %T)", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("records: read value for %q: %w", k, err)
		}
		v, err := DecodeValue(dec, vt)
		if err != nil {
			return Record{}, err
		}
		rec.Set(k, v)
	}
	end, err := dec.Token()
	if err != nil && err != io.EOF {
		return Record{}, fmt.Errorf("records: read object end: %w", err)
	}
	if end != json.Delim('}') {
		return Record{}, fmt.Errorf("records: expected '}', got %v", end)
	}
	return rec, nil
}
