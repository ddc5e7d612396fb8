// Package csv parses comma, semicolon or tab separated exports into a ParsedFile.
//
// The parser is deliberately forgiving: data-lake CSVs are routinely ragged,
// carry a BOM, or repeat their header block when several exports were
// concatenated. None of that is an error here.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"lakeforge/internal/model"
	"lakeforge/internal/parser/charset"
	"lakeforge/pkg/records"
)

// candidate delimiters, in tie-break order.
var delimiters = []rune{',', ';', '\t'}

// Parse reads content as delimited text.
//
// Edge cases:
//   - The delimiter is whichever of comma, semicolon or tab occurs most often on
//     the first line; ties go to comma.
//   - Any later line equal to the header line after lowercasing and removing
//     whitespace and underscores is dropped and not counted.
//   - Short rows get "" for missing columns; extra trailing fields are ignored.
//   - Blank header cells are named column_N; duplicate names get a _2, _3 suffix.
//   - Rows where every field is empty are skipped.
//
// Errors:
//   - Only reader-level failures surface; the dispatcher treats them as a
//     reason to fall back to plain text.
func Parse(filename, content string) (model.ParsedFile, error) {
	content = charset.StripBOM(content)
	pf := model.ParsedFile{
		Filename:   filename,
		Format:     model.FormatCSV,
		Headers:    []string{},
		SampleRows: []records.Record{},
		RawPreview: records.Preview(content),
	}

	lines := splitLines(content)
	first := -1
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			first = i
			break
		}
	}
	if first < 0 {
		return pf, nil
	}

	delim := DetectDelimiter(lines[first])
	headerKey := normalizeHeaderLine(lines[first])

	kept := make([]string, 0, len(lines)-first)
	kept = append(kept, lines[first])
	for _, l := range lines[first+1:] {
		if normalizeHeaderLine(l) == headerKey {
			continue
		}
		kept = append(kept, l)
	}

	cr := csv.NewReader(strings.NewReader(strings.Join(kept, "\n")))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	hdr, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return pf, nil
		}
		return pf, fmt.Errorf("csv: read header: %w", err)
	}
	headers := uniqueHeaders(hdr)

	var recs []records.Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, _ := cr.FieldPos(0)
			return pf, fmt.Errorf("csv: line %d: %w", line, err)
		}
		if blankRow(row) {
			continue
		}
		var rec records.Record
		for i, h := range headers {
			v := ""
			if i < len(row) {
				v = strings.TrimSpace(row[i])
			}
			rec.Set(h, v)
		}
		recs = append(recs, rec)
	}

	pf.RowCount = len(recs)
	pf.SampleRows = records.Sample(recs)
	if len(recs) > 0 {
		pf.Headers = records.HeaderUnion(recs)
	} else {
		pf.Headers = headers
	}
	if pf.SampleRows == nil {
		pf.SampleRows = []records.Record{}
	}
	return pf, nil
}

// DetectDelimiter picks the candidate delimiter occurring most often in line.
func DetectDelimiter(line string) rune {
	best, bestN := delimiters[0], -1
	for _, d := range delimiters {
		n := strings.Count(line, string(d))
		if n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func normalizeHeaderLine(l string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(l) {
		if r == '_' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func uniqueHeaders(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(charset.StripBOM(h))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		seen[h]++
		if n := seen[h]; n > 1 {
			h = h + "_" + strconv.Itoa(n)
		}
		out[i] = h
	}
	return out
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
