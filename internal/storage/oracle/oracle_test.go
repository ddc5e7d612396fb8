package oracle

import "testing"

func TestTrimTerminator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"CREATE TABLE a (id NUMBER);", "CREATE TABLE a (id NUMBER)"},
		{"  INSERT INTO a VALUES (1) ;; \n", "INSERT INTO a VALUES (1)"},
		{"SELECT 1 FROM dual", "SELECT 1 FROM dual"},
		{"BEGIN NULL; END;", "BEGIN NULL; END;"},
	}
	for _, tt := range tests {
		if got := trimTerminator(tt.in); got != tt.want {
			t.Fatalf("trimTerminator(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}
