// Package parser turns raw file bytes into a model.ParsedFile.
//
// Dispatch is by file extension. Unknown extensions are sniffed: markup is
// tried as XML (or HTML), everything else as JSON, then CSV, then plain text,
// keeping the first parser that does not report a decode error.
package parser

import (
	"fmt"
	"path"
	"strings"

	"lakeforge/internal/model"
	"lakeforge/internal/parser/charset"
	"lakeforge/internal/parser/csv"
	"lakeforge/internal/parser/html"
	"lakeforge/internal/parser/json"
	"lakeforge/internal/parser/text"
	"lakeforge/internal/parser/xml"
)

// Func is the signature shared by every format parser.
type Func func(filename, content string) (model.ParsedFile, error)

var byExt = map[string]Func{
	".csv":    csv.Parse,
	".tsv":    csv.Parse,
	".json":   json.Parse,
	".jsonl":  json.Parse,
	".ndjson": json.Parse,
	".xml":    xml.Parse,
	".txt":    text.Parse,
	".html":   html.Parse,
	".htm":    html.Parse,
}

// Parse decodes raw into UTF-8 and parses it.
//
// Edge cases:
//   - A CSV-family file the CSV reader rejects is re-read as plain text.
//   - Unknown extensions never fail: the chain ends with the text parser.
//
// Errors:
//   - A declared JSON, XML or HTML file that does not decode is a per-file
//     failure; the error names the file.
func Parse(filename string, raw []byte) (model.ParsedFile, error) {
	content, _ := charset.Decode(raw)
	ext := strings.ToLower(path.Ext(filename))

	if fn, ok := byExt[ext]; ok {
		pf, err := fn(filename, content)
		if err == nil {
			return pf, nil
		}
		if ext == ".csv" || ext == ".tsv" {
			return text.Parse(filename, content)
		}
		return pf, fmt.Errorf("parse %s: %w", filename, err)
	}
	return sniff(filename, content)
}

// Supported reports whether ext (with dot) has a dedicated parser.
func Supported(ext string) bool {
	_, ok := byExt[strings.ToLower(ext)]
	return ok
}

func sniff(filename, content string) (model.ParsedFile, error) {
	var chain []Func
	trim := strings.TrimSpace(content)
	if strings.HasPrefix(trim, "<") {
		lower := strings.ToLower(trim[:min(len(trim), 512)])
		if strings.Contains(lower, "<html") || strings.Contains(lower, "<table") || strings.HasPrefix(lower, "<!doctype html") {
			chain = append(chain, html.Parse)
		}
		chain = append(chain, xml.Parse)
	}
	chain = append(chain, json.Parse, csv.Parse)

	for _, fn := range chain {
		if pf, err := fn(filename, content); err == nil {
			return pf, nil
		}
	}
	return text.Parse(filename, content)
}
