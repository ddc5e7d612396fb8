// Package model holds the data shapes threaded through a pipeline run.
//
// JSON field names use the camelCase wire shape that model prompts ask for
// (tableName, isPrimaryKey, referencesTable, ...), so decoded model replies and
// persisted checkpoints share one representation.
package model

import (
	"fmt"
	"strings"

	"lakeforge/pkg/records"
)

// Format is the detected input format of a parsed file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// ParsedFile is the normalized view of one input file. It is created once during
// the parse stage and never modified afterwards.
type ParsedFile struct {
	Filename   string           `json:"filename"`
	Format     Format           `json:"format"`
	Headers    []string         `json:"headers"`
	SampleRows []records.Record `json:"sampleRows"`
	RowCount   int              `json:"rowCount"`
	RawPreview string           `json:"rawPreview"`

	// Error is set when the file could not be read or parsed. Such files carry
	// no rows and are left out of every prompt.
	Error string `json:"error,omitempty"`
}

// OK reports whether the file parsed successfully.
func (f ParsedFile) OK() bool { return f.Error == "" }

// Column is one column of an inferred entity. Type is a free-text,
// dialect-specific type string.
type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"isPrimaryKey"`
}

// ForeignKey links Column of the owning entity to ReferencesTable.ReferencesColumn.
type ForeignKey struct {
	Column           string `json:"column"`
	ReferencesTable  string `json:"referencesTable"`
	ReferencesColumn string `json:"referencesColumn"`
}

// Entity is an inferred relational table.
type Entity struct {
	TableName   string       `json:"tableName"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreignKeys"`
	SourceFiles []string     `json:"sourceFiles"`
}

// Column returns the column called name, matched case-insensitively.
func (e Entity) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Severity grades a validation issue. Only SeverityError drives correction.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ParseSeverity normalizes a model-reported severity. Anything that is not
// recognizably an error is treated as a warning.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "critical", "fatal":
		return SeverityError
	default:
		return SeverityWarning
	}
}

// ValidationIssue is one finding from a validation pass.
type ValidationIssue struct {
	Severity    Severity `json:"severity"`
	Entity      string   `json:"entity"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion"`
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []ValidationIssue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Dialect is the target SQL variant.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectMSSQL    Dialect = "mssql"
	DialectSQLite   Dialect = "sqlite"
	DialectOracle   Dialect = "oracle"
)

var dialectLabels = map[Dialect]string{
	DialectPostgres: "PostgreSQL",
	DialectMySQL:    "MySQL",
	DialectMSSQL:    "SQL Server (T-SQL)",
	DialectSQLite:   "SQLite",
	DialectOracle:   "Oracle",
}

// ParseDialect accepts a dialect name or a few common aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "mssql", "sqlserver", "tsql":
		return DialectMSSQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "oracle":
		return DialectOracle, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", s)
	}
}

// Label is the human name substituted into prompts.
func (d Dialect) Label() string {
	if l, ok := dialectLabels[d]; ok {
		return l
	}
	return dialectLabels[DialectPostgres]
}
