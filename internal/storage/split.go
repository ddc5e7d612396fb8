package storage

import "strings"

// SplitStatements splits a SQL batch on statement-terminating semicolons.
//
// Semicolons inside single-quoted, double-quoted or backquoted text, inside
// "--" and "/* */" comments, and inside Postgres dollar-quoted bodies
// ($$...$$, $tag$...$tag$) do not split. Returned statements are trimmed and
// carry no trailing semicolon; segments holding only whitespace or comments
// are dropped.
func SplitStatements(batch string) []string {
	var (
		out   []string
		start int
		code  bool // segment has something other than whitespace and comments
	)
	flush := func(end int) {
		if code {
			if s := strings.TrimSpace(batch[start:end]); s != "" {
				out = append(out, s)
			}
		}
		code = false
	}

	for i := 0; i < len(batch); {
		c := batch[i]
		switch {
		case c == ';':
			flush(i)
			i++
			start = i

		case c == '-' && i+1 < len(batch) && batch[i+1] == '-':
			nl := strings.IndexByte(batch[i:], '\n')
			if nl < 0 {
				i = len(batch)
			} else {
				i += nl + 1
			}

		case c == '/' && i+1 < len(batch) && batch[i+1] == '*':
			end := strings.Index(batch[i+2:], "*/")
			if end < 0 {
				i = len(batch)
			} else {
				i += 2 + end + 2
			}

		case c == '\'' || c == '"' || c == '`':
			code = true
			i = skipQuoted(batch, i, c)

		case c == '$':
			code = true
			if tag, ok := dollarTag(batch[i:]); ok {
				end := strings.Index(batch[i+len(tag):], tag)
				if end < 0 {
					i = len(batch)
				} else {
					i += len(tag) + end + len(tag)
				}
				continue
			}
			i++

		default:
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				code = true
			}
			i++
		}
	}
	flush(len(batch))
	return out
}

// skipQuoted returns the index just past the quoted run opened at batch[i].
// A doubled quote character is an escaped quote.
func skipQuoted(batch string, i int, q byte) int {
	for j := i + 1; j < len(batch); j++ {
		if batch[j] != q {
			continue
		}
		if j+1 < len(batch) && batch[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(batch)
}

// dollarTag recognizes "$$" or "$ident$" at the start of s.
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		switch {
		case c == '$':
			return s[:j+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (j > 1 && c >= '0' && c <= '9'):
		default:
			return "", false
		}
	}
	return "", false
}
