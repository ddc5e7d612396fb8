package text

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantH    string
		wantRows int
		check    func(t *testing.T, got map[string]any)
	}{
		{
			name:     "pipe header and two rows",
			in:       "id|name\n1|alice\n2|bob\n",
			wantH:    "id,name",
			wantRows: 2,
			check: func(t *testing.T, got map[string]any) {
				if got["name"] != "alice" {
					t.Fatalf("name=%v, want alice", got["name"])
				}
			},
		},
		{
			name:     "comment header with three tokens",
			in:       "# report generated 2024-01-01\n# id | sku | qty\n10 | A1 | 3\n11 | B2\n",
			wantH:    "id,sku,qty",
			wantRows: 2,
			check: func(t *testing.T, got map[string]any) {
				if got["sku"] != "A1" || got["qty"] != "3" {
					t.Fatalf("row=%v", got)
				}
			},
		},
		{
			name:     "tab delimited with interleaved comments",
			in:       "a\tb\n# skipped\n1\t2\n",
			wantH:    "a,b",
			wantRows: 1,
		},
		{
			name:     "bordered pipes",
			in:       "| id | city |\n| 1 | Oslo |\n",
			wantH:    "id,city",
			wantRows: 1,
			check: func(t *testing.T, got map[string]any) {
				if got["city"] != "Oslo" {
					t.Fatalf("city=%v, want Oslo", got["city"])
				}
			},
		},
		{
			name:     "missing values padded",
			in:       "x|y|z\n1\n",
			wantH:    "x,y,z",
			wantRows: 1,
			check: func(t *testing.T, got map[string]any) {
				if got["z"] != "" {
					t.Fatalf("z=%v, want empty", got["z"])
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pf, err := Parse("r.txt", tt.in)
			if err != nil {
				t.Fatalf("Parse err=%v", err)
			}
			if got := strings.Join(pf.Headers, ","); got != tt.wantH {
				t.Fatalf("Headers=%s, want %s", got, tt.wantH)
			}
			if pf.RowCount != tt.wantRows {
				t.Fatalf("RowCount=%d, want %d", pf.RowCount, tt.wantRows)
			}
			if tt.check != nil {
				tt.check(t, pf.SampleRows[0].Map())
			}
		})
	}
}

func TestParse_EmptyAndCommentsOnly(t *testing.T) {
	t.Parallel()

	pf, err := Parse("e.txt", "\n\n")
	if err != nil || pf.RowCount != 0 || len(pf.Headers) != 0 {
		t.Fatalf("empty input: pf=%+v err=%v", pf, err)
	}

	pf, err = Parse("c.txt", "# only\n# comments\n")
	if err != nil || pf.RowCount != 0 {
		t.Fatalf("comments only: pf=%+v err=%v", pf, err)
	}
}
