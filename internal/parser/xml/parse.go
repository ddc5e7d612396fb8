// Package xml parses XML exports into a ParsedFile by first turning the
// document into a nested, order-preserving map and then locating the record list.
package xml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"lakeforge/internal/model"
	"lakeforge/internal/parser/charset"
	"lakeforge/pkg/records"
)

// AttrPrefix marks keys that came from XML attributes.
const AttrPrefix = "@_"

// TextKey holds character data of elements that also have attributes or children.
const TextKey = "#text"

type node struct {
	name     string
	attrs    []xml.Attr
	children []*node
	text     strings.Builder
}

// Parse decodes content and extracts records.
//
// Edge cases:
//   - Repeated sibling elements become arrays; the first array found in
//     document order (depth first) is the record list.
//   - Without any array, the document is read as root > collection > item and
//     the single item becomes the only record.
//   - Processing instructions, comments and directives are ignored.
//
// Errors:
//   - Malformed XML or a document without a root element.
func Parse(filename, content string) (model.ParsedFile, error) {
	content = charset.StripBOM(content)
	pf := model.ParsedFile{
		Filename:   filename,
		Format:     model.FormatXML,
		Headers:    []string{},
		SampleRows: []records.Record{},
		RawPreview: records.Preview(content),
	}

	root, err := buildTree(content)
	if err != nil {
		return pf, fmt.Errorf("xml: %s: %w", filename, err)
	}

	doc := records.New(root.name, toValue(root))
	recs := extract(doc)

	pf.RowCount = len(recs)
	pf.Headers = records.HeaderUnion(recs)
	if s := records.Sample(recs); s != nil {
		pf.SampleRows = s
	}
	return pf, nil
}

// ToMap converts content into the nested map representation used by Parse.
func ToMap(content string) (records.Record, error) {
	root, err := buildTree(charset.StripBOM(content))
	if err != nil {
		return records.Record{}, err
	}
	return records.New(root.name, toValue(root)), nil
}

func buildTree(content string) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	// Declared non-UTF-8 encodings are already decoded by the dispatcher.
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	var (
		root  *node
		stack []*node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	return root, nil
}

func toValue(n *node) any {
	text := strings.TrimSpace(n.text.String())
	if len(n.attrs) == 0 && len(n.children) == 0 {
		return text
	}

	var rec records.Record
	for _, a := range n.attrs {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		rec.Set(AttrPrefix+a.Name.Local, a.Value)
	}

	counts := make(map[string]int, len(n.children))
	for _, c := range n.children {
		counts[c.name]++
	}
	for _, c := range n.children {
		v := toValue(c)
		if counts[c.name] == 1 {
			rec.Set(c.name, v)
			continue
		}
		prev, _ := rec.Get(c.name)
		arr, _ := prev.([]any)
		rec.Set(c.name, append(arr, v))
	}
	if text != "" {
		rec.Set(TextKey, text)
	}
	return rec
}

// extract locates the record list inside doc.
func extract(doc records.Record) []records.Record {
	if arr, ok := findArray(doc); ok {
		return toRecords(arr)
	}

	// root > collection > items
	keys := doc.Keys()
	if len(keys) == 0 {
		return nil
	}
	rootVal, _ := doc.Get(keys[0])
	inner, ok := rootVal.(records.Record)
	if !ok {
		return toRecords([]any{rootVal})
	}
	ik := inner.Keys()
	if len(ik) == 0 {
		return nil
	}
	items, _ := inner.Get(ik[0])
	if arr, ok := items.([]any); ok {
		return toRecords(arr)
	}
	return toRecords([]any{items})
}

func findArray(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case records.Record:
		for _, k := range x.Keys() {
			child, _ := x.Get(k)
			if arr, ok := findArray(child); ok {
				return arr, true
			}
		}
	}
	return nil, false
}

func toRecords(arr []any) []records.Record {
	out := make([]records.Record, 0, len(arr))
	for _, el := range arr {
		switch x := el.(type) {
		case records.Record:
			out = append(out, x)
		case string:
			if x == "" {
				continue
			}
			out = append(out, records.New("value", x))
		default:
			out = append(out, records.New("value", x))
		}
	}
	return out
}
