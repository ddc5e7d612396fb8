package records

import "unicode/utf8"

const (
	// SampleCap is the maximum number of rows kept as a file sample.
	SampleCap = 10

	// PreviewBytes is the size of the raw preview kept per file.
	PreviewBytes = 500
)

// HeaderUnion returns the union of keys across recs in order of first appearance.
func HeaderUnion(recs []Record) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, r := range recs {
		for _, k := range r.keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Sample returns at most SampleCap records from the front of recs.
func Sample(recs []Record) []Record {
	if len(recs) <= SampleCap {
		return recs
	}
	return recs[:SampleCap]
}

// Preview returns at most PreviewBytes of s without splitting a UTF-8 sequence.
func Preview(s string) string {
	if len(s) <= PreviewBytes {
		return s
	}
	cut := PreviewBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
