// Package json parses JSON and JSON Lines exports into a ParsedFile.
//
// Supported shapes:
//   - Root array of objects: [ {...}, {...} ]
//   - Envelope object whose records sit under a wrapper key: { "data": [ ... ] }
//   - A single object, treated as one record.
//   - Several top-level values (JSON Lines); each object is one record.
//
// Inputs exported by hand-edited tools often contain comments and trailing
// commas. Comments are always removed; trailing commas are removed only when a
// strict decode fails.
package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"lakeforge/internal/model"
	"lakeforge/internal/parser/charset"
	"lakeforge/pkg/records"
)

// WrapperKeys are the envelope keys searched, in order, for a record array.
var WrapperKeys = []string{"data", "items", "results", "rows", "records", "value"}

// ErrEmpty is returned for input with no JSON value at all.
var ErrEmpty = errors.New("json: empty document")

// Parse decodes content and normalizes it into records.
//
// Edge cases:
//   - Array elements that are not objects become {"value": elem}; nulls are skipped.
//   - A top-level scalar yields zero records and no error.
//   - Key order of the first record that introduces a key decides header order.
//
// Errors:
//   - Returns the strict decode error when the lenient retry also fails.
func Parse(filename, content string) (model.ParsedFile, error) {
	content = charset.StripBOM(content)
	pf := model.ParsedFile{
		Filename:   filename,
		Format:     model.FormatJSON,
		Headers:    []string{},
		SampleRows: []records.Record{},
		RawPreview: records.Preview(content),
	}

	cleaned := StripComments(content)
	recs, err := decode(cleaned)
	if err != nil {
		lenient, lerr := decode(RemoveTrailingCommas(cleaned))
		if lerr != nil {
			return pf, fmt.Errorf("json: %s: %w", filename, err)
		}
		recs = lenient
	}

	pf.RowCount = len(recs)
	pf.Headers = records.HeaderUnion(recs)
	if s := records.Sample(recs); s != nil {
		pf.SampleRows = s
	}
	return pf, nil
}

func decode(s string) ([]records.Record, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var values []any
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		v, err := records.DecodeValue(dec, tok)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	switch len(values) {
	case 0:
		return nil, ErrEmpty
	case 1:
		if obj, ok := values[0].(records.Record); ok {
			return unwrap(obj), nil
		}
		if arr, ok := values[0].([]any); ok {
			return toRecords(arr), nil
		}
		return nil, nil
	default:
		var out []records.Record
		for _, v := range values {
			switch x := v.(type) {
			case records.Record:
				out = append(out, x)
			case []any:
				out = append(out, toRecords(x)...)
			}
		}
		return out, nil
	}
}

// unwrap finds the record array inside an envelope object.
func unwrap(obj records.Record) []records.Record {
	for _, k := range WrapperKeys {
		if v, ok := obj.Get(k); ok {
			if arr, ok := v.([]any); ok {
				return toRecords(arr)
			}
		}
	}

	var only []any
	n := 0
	for _, k := range obj.Keys() {
		v, _ := obj.Get(k)
		if arr, ok := v.([]any); ok {
			only = arr
			n++
		}
	}
	if n == 1 {
		return toRecords(only)
	}
	return []records.Record{obj}
}

func toRecords(arr []any) []records.Record {
	out := make([]records.Record, 0, len(arr))
	for _, el := range arr {
		switch x := el.(type) {
		case nil:
			continue
		case records.Record:
			out = append(out, x)
		default:
			out = append(out, records.New("value", x))
		}
	}
	return out
}

// StripComments removes // line comments and /* */ block comments that occur
// outside string literals. Newlines ending line comments are kept.
func StripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				j := strings.IndexByte(s[i:], '\n')
				if j < 0 {
					return b.String()
				}
				i += j - 1
				continue
			case '*':
				j := strings.Index(s[i+2:], "*/")
				if j < 0 {
					return b.String()
				}
				i += j + 3
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// RemoveTrailingCommas drops commas that are directly followed (ignoring
// whitespace) by a closing bracket or brace, outside string literals.
func RemoveTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
