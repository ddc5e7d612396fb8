// Package charset turns raw upload bytes into UTF-8 text before format parsing.
//
// Data-lake exports arrive as UTF-8 with or without a BOM, UTF-16 from
// spreadsheet tools, or legacy Windows-1252. Parsers only ever see UTF-8.
package charset

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names reported by Decode.
const (
	UTF8        = "utf-8"
	UTF16       = "utf-16"
	Windows1252 = "windows-1252"
)

const bom = "\uFEFF"

// Decode converts raw to UTF-8 and reports the encoding it assumed.
//
// Edge cases:
//   - A UTF-8 or UTF-16 (LE/BE) byte-order mark selects the encoding and is dropped.
//   - Bytes that are not valid UTF-8 and carry no BOM are read as Windows-1252,
//     which maps every byte, so Decode never fails.
func Decode(raw []byte) (string, string) {
	if len(raw) >= 2 && (raw[0] == 0xFF && raw[1] == 0xFE || raw[0] == 0xFE && raw[1] == 0xFF) {
		out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), raw)
		if err == nil {
			return string(out), UTF16
		}
	}
	if utf8.Valid(raw) {
		return StripBOM(string(raw)), UTF8
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "\uFFFD"), UTF8
	}
	return string(out), Windows1252
}

// StripBOM removes a leading UTF-8 byte-order mark.
func StripBOM(s string) string {
	return strings.TrimPrefix(s, bom)
}
