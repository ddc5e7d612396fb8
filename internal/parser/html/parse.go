// Package html reads tabular data out of saved HTML pages.
//
// Report portals frequently export "Excel" files that are really an HTML
// <table>. The first table with at least one row is read; header cells come
// from <th> (or the first row when there are none).
package html

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"lakeforge/internal/model"
	"lakeforge/internal/parser/charset"
	"lakeforge/pkg/records"
)

// ErrNoTable is returned when the document contains no usable table.
var ErrNoTable = errors.New("html: no table with rows found")

// Parse extracts the first usable table of content.
//
// Edge cases:
//   - Cell text is whitespace-collapsed.
//   - Rows with fewer cells than headers get "" for the rest; extra cells are dropped.
//   - Rows whose cells are all empty are skipped.
func Parse(filename, content string) (model.ParsedFile, error) {
	content = charset.StripBOM(content)
	pf := model.ParsedFile{
		Filename:   filename,
		Format:     model.FormatHTML,
		Headers:    []string{},
		SampleRows: []records.Record{},
		RawPreview: records.Preview(content),
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return pf, fmt.Errorf("parse html: %w", err)
	}

	var (
		headers []string
		recs    []records.Record
		found   bool
	)
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		rows := table.Find("tr")
		if rows.Length() == 0 {
			return true
		}

		start := 0
		if th := table.Find("th"); th.Length() > 0 {
			headerRow := th.First().Closest("tr")
			headers = cellTexts(headerRow.Find("th"))
			start = rows.IndexOfSelection(headerRow) + 1
		} else {
			headers = cellTexts(rows.First().Find("td"))
			start = 1
		}
		headers = uniqueHeaders(headers)

		rows.Slice(min(start, rows.Length()), rows.Length()).Each(func(_ int, tr *goquery.Selection) {
			vals := cellTexts(tr.Find("td"))
			if blank(vals) {
				return
			}
			var rec records.Record
			for i, h := range headers {
				v := ""
				if i < len(vals) {
					v = vals[i]
				}
				rec.Set(h, v)
			}
			recs = append(recs, rec)
		})
		found = len(headers) > 0
		return !found
	})
	if !found {
		return pf, ErrNoTable
	}

	pf.RowCount = len(recs)
	if len(recs) > 0 {
		pf.Headers = records.HeaderUnion(recs)
		pf.SampleRows = records.Sample(recs)
	} else {
		pf.Headers = headers
	}
	return pf, nil
}

func cellTexts(sel *goquery.Selection) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, c *goquery.Selection) {
		out = append(out, strings.Join(strings.Fields(c.Text()), " "))
	})
	return out
}

func blank(vals []string) bool {
	for _, v := range vals {
		if v != "" {
			return false
		}
	}
	return true
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
