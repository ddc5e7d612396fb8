// Package text parses pipe- or tab-delimited text reports into a ParsedFile.
//
// Lines starting with '#' are comments. Report generators often put the column
// header in a comment ("# id | name | email"), so a comment with at least three
// delimited tokens is accepted as the header.
package text

import (
	"regexp"
	"strconv"
	"strings"

	"lakeforge/internal/model"
	"lakeforge/internal/parser/charset"
	"lakeforge/pkg/records"
)

var commentPrefix = regexp.MustCompile(`^#+\s*`)

// Parse never fails: any text yields at least a header guess.
//
// Edge cases:
//   - The delimiter is '|' when the first non-comment line has more pipes than
//     tabs, otherwise tab.
//   - The last qualifying comment header before the first data line wins.
//   - Rows shorter than the header get "" for missing columns; extra tokens are dropped.
func Parse(filename, content string) (model.ParsedFile, error) {
	content = charset.StripBOM(content)
	pf := model.ParsedFile{
		Filename:   filename,
		Format:     model.FormatText,
		Headers:    []string{},
		SampleRows: []records.Record{},
		RawPreview: records.Preview(content),
	}

	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return pf, nil
	}

	delim := "\t"
	for _, l := range lines {
		if isComment(l) {
			continue
		}
		if strings.Count(l, "|") > strings.Count(l, "\t") {
			delim = "|"
		}
		break
	}

	var header []string
	dataStart := len(lines)
	for i, l := range lines {
		if isComment(l) {
			stripped := commentPrefix.ReplaceAllString(strings.TrimSpace(l), "")
			if parts := split(stripped, delim); len(parts) >= 3 {
				header = parts
				dataStart = i + 1
			}
			continue
		}
		if header == nil {
			header = split(l, delim)
			dataStart = i + 1
		} else {
			dataStart = i
		}
		break
	}
	header = uniqueHeaders(header)

	var recs []records.Record
	for _, l := range lines[min(dataStart, len(lines)):] {
		if isComment(l) {
			continue
		}
		vals := split(l, delim)
		var rec records.Record
		for i, h := range header {
			v := ""
			if i < len(vals) {
				v = vals[i]
			}
			rec.Set(h, v)
		}
		recs = append(recs, rec)
	}

	pf.RowCount = len(recs)
	if len(recs) > 0 {
		pf.Headers = records.HeaderUnion(recs)
		pf.SampleRows = records.Sample(recs)
	} else {
		pf.Headers = header
	}
	return pf, nil
}

func isComment(l string) bool {
	return strings.HasPrefix(strings.TrimSpace(l), "#")
}

func split(l, delim string) []string {
	parts := strings.Split(strings.Trim(l, " \r"), delim)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	// "| a | b |" style borders
	if delim == "|" && len(parts) > 1 {
		if parts[0] == "" {
			parts = parts[1:]
		}
		if len(parts) > 0 && parts[len(parts)-1] == "" {
			parts = parts[:len(parts)-1]
		}
	}
	return parts
}

func uniqueHeaders(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
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
