package prompt

import (
	"strings"
	"testing"

	"lakeforge/internal/model"
	"lakeforge/pkg/records"
)

func sampleFile() model.ParsedFile {
	rows := []records.Record{}
	for i := 1; i <= 7; i++ {
		rows = append(rows, records.New("customer_id", i, "name", "n"))
	}
	return model.ParsedFile{
		Filename:   "customers.csv",
		Format:     model.FormatCSV,
		Headers:    []string{"customer_id", "name"},
		SampleRows: rows,
		RowCount:   42,
	}
}

func orderedEntities() []model.Entity {
	return []model.Entity{
		{TableName: "orders", Columns: []model.Column{{Name: "order_id"}, {Name: "customer_id"}},
			ForeignKeys: []model.ForeignKey{{Column: "customer_id", ReferencesTable: "customers", ReferencesColumn: "customer_id"}}},
		{TableName: "customers", Columns: []model.Column{{Name: "customer_id"}}},
	}
}

func TestFileSummary(t *testing.T) {
	t.Parallel()

	got := FileSummary(sampleFile())
	want := `File: customers.csv
Headers: customer_id,name
Sample: [{"customer_id":1,"name":"n"},{"customer_id":2,"name":"n"},{"customer_id":3,"name":"n"}]`
	if got != want {
		t.Fatalf("FileSummary()=\n%s\nwant\n%s", got, want)
	}
}

func TestFileSummary_NoRows(t *testing.T) {
	t.Parallel()

	got := FileSummary(model.ParsedFile{Filename: "empty.json"})
	if !strings.HasSuffix(got, "Sample: []") {
		t.Fatalf("FileSummary()=%q, want empty sample array", got)
	}
}

func TestDialectLabelSubstituted(t *testing.T) {
	t.Parallel()

	files := []model.ParsedFile{sampleFile()}
	ents := orderedEntities()
	tests := []struct {
		name string
		got  string
	}{
		{"entities", Entities(files, model.DialectMySQL)},
		{"schema", Schema(ents, model.DialectMySQL)},
		{"validate", Validate("CREATE TABLE x (id INT);", ents, files, model.DialectMySQL)},
		{"correct", Correct(ents, nil, model.DialectMySQL)},
		{"inserts", Inserts("CREATE TABLE x (id INT);", files, ents, model.DialectMySQL)},
	}
	for _, tt := range tests {
		if !strings.Contains(tt.got, "MySQL") {
			t.Fatalf("%s prompt lacks dialect label", tt.name)
		}
		if strings.Contains(tt.got, "PostgreSQL") {
			t.Fatalf("%s prompt mentions the default dialect", tt.name)
		}
	}
}

func TestSchema_EntitiesInDependencyOrder(t *testing.T) {
	t.Parallel()

	got := Schema(orderedEntities(), model.DialectPostgres)
	ci := strings.Index(got, `"tableName":"customers"`)
	oi := strings.Index(got, `"tableName":"orders"`)
	if ci < 0 || oi < 0 || ci > oi {
		t.Fatalf("customers at %d, orders at %d; want customers first", ci, oi)
	}
	if !strings.Contains(got, "ON DELETE CASCADE") {
		t.Fatalf("schema prompt lacks cascade requirement")
	}
}

func TestInserts_FiveSampleRows(t *testing.T) {
	t.Parallel()

	got := Inserts("CREATE TABLE customers (customer_id INT);", []model.ParsedFile{sampleFile()}, orderedEntities(), model.DialectSQLite)
	if !strings.Contains(got, "--- customers.csv ---") {
		t.Fatalf("inserts prompt lacks file header")
	}
	if n := strings.Count(got, `"customer_id":`); n != 5 {
		t.Fatalf("sample rows=%d, want 5", n)
	}
}

func TestValidate_SummariesAndIssuesFormat(t *testing.T) {
	t.Parallel()

	got := Validate("CREATE TABLE customers (customer_id INT);", orderedEntities(), []model.ParsedFile{sampleFile()}, model.DialectPostgres)
	if !strings.Contains(got, "- customers.csv: 42 rows, headers: customer_id, name") {
		t.Fatalf("validate prompt lacks file summary:\n%s", got)
	}
	if !strings.Contains(got, `{"issues": []}`) {
		t.Fatalf("validate prompt lacks empty-issues instruction")
	}
}

func TestCorrect_IncludesIssues(t *testing.T) {
	t.Parallel()

	issues := []model.ValidationIssue{{Severity: model.SeverityError, Entity: "orders", Description: "bad fk", Suggestion: "fix"}}
	got := Correct(orderedEntities(), issues, model.DialectPostgres)
	if !strings.Contains(got, `"description":"bad fk"`) {
		t.Fatalf("correct prompt lacks issues:\n%s", got)
	}
	if !strings.Contains(got, `"entities"`) {
		t.Fatalf("correct prompt lacks response format")
	}
}
