// Package extract pulls machine-readable payloads out of free-text model replies.
//
// JSON and SQL extraction are best effort and may return malformed text. The
// Decode* helpers in this package validate the expected shape and report any
// mismatch as *InvalidResponseError.
package extract

import (
	"regexp"
	"strings"
)

var (
	fencedJSON = regexp.MustCompile("```(?:json|JSON)?\\s*([\\s\\S]*?)```")
	fencedSQL  = regexp.MustCompile("```(?i:sqlite|postgres(?:ql)?|mysql|t-?sql|plsql|sql)?\\s*([\\s\\S]*?)```")
	sqlKeyword = regexp.MustCompile(`(?i)\b(CREATE\s+(?:UNIQUE\s+)?(?:TABLE|INDEX)|INSERT\s+INTO|DROP\s+TABLE|ALTER\s+TABLE)\b`)
)

// JSON returns the JSON payload embedded in reply.
//
// A fenced block (optionally labelled json) wins. Otherwise the text between
// the first '{' or '[' and the last '}' or ']' is returned. When neither
// applies the reply is returned unchanged.
func JSON(reply string) string {
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(reply, "{[")
	if start < 0 {
		return reply
	}
	end := strings.LastIndexAny(reply, "}]")
	if end < start {
		return reply
	}
	return reply[start : end+1]
}

// SQL returns the SQL payload embedded in reply.
//
// A fenced block (optionally labelled sql) wins. Otherwise everything from the
// first DDL/DML keyword onward is returned, or the trimmed reply when no
// keyword is present.
func SQL(reply string) string {
	if m := fencedSQL.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	if loc := sqlKeyword.FindStringIndex(reply); loc != nil {
		return strings.TrimSpace(reply[loc[0]:])
	}
	return strings.TrimSpace(reply)
}
