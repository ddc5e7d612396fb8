// Package prompt builds the model prompts used by the pipeline stages.
//
// Every builder takes the target dialect and substitutes its label; entity
// lists are placed in foreign-key dependency order.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"lakeforge/internal/model"
	"lakeforge/internal/schema"
	"lakeforge/pkg/records"
)

const (
	summaryRows = 3
	insertRows  = 5
)

const entitiesFormat = `{
  "entities": [
    {
      "tableName": "string",
      "columns": [
        { "name": "string", "type": "%s type", "nullable": true/false, "isPrimaryKey": true/false }
      ],
      "sourceFiles": ["filename1.csv"],
      "foreignKeys": [
        { "column": "string", "referencesTable": "string", "referencesColumn": "string" }
      ]
    }
  ]
}`

// Entities asks the model to infer normalized tables and relationships.
func Entities(files []model.ParsedFile, d model.Dialect) string {
	label := d.Label()
	summaries := make([]string, 0, len(files))
	for _, f := range files {
		summaries = append(summaries, FileSummary(f))
	}

	var b strings.Builder
	b.WriteString("You are a data architect. Analyze these parsed data files from a messy data lake and identify all database entities (tables) and their relationships.\n\n")
	b.WriteString("FILES:\n")
	b.WriteString(strings.Join(summaries, "\n---\n"))
	b.WriteString("\n\nTASK:\n")
	b.WriteString("1. Identify all distinct entities (tables) that should exist in a normalized relational database.\n")
	fmt.Fprintf(&b, "2. For each entity, define columns with appropriate %s types.\n", label)
	fmt.Fprintf(&b, "3. Identify primary keys (use auto-increment or UUID as appropriate for %s).\n", label)
	b.WriteString("4. Identify foreign key relationships ACROSS files (e.g., orders reference customers).\n")
	b.WriteString("5. Normalize inconsistent naming (e.g., \"customer_id\", \"customerId\", \"cust_id\" should all map to the same FK).\n")
	b.WriteString("6. Handle cross-references by name (e.g., if reviews reference products by \"product_name\" instead of ID, the FK should point to the products table).\n")
	b.WriteString("7. For nested data (e.g., order items), create separate junction/detail tables.\n\n")
	b.WriteString("Respond with ONLY valid JSON in this exact format (no markdown, no explanation):\n")
	fmt.Fprintf(&b, entitiesFormat, label)
	return b.String()
}

// Schema asks for CREATE TABLE statements in dependency order.
func Schema(entities []model.Entity, d model.Dialect) string {
	label := d.Label()

	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s expert. Generate CREATE TABLE statements for these entities.\n\n", label)
	b.WriteString("ENTITIES (referenced tables listed first):\n")
	b.WriteString(entitiesJSON(entities))
	b.WriteString("\n\nREQUIREMENTS:\n")
	fmt.Fprintf(&b, "1. Use %s syntax.\n", label)
	b.WriteString("2. Include PRIMARY KEY constraints.\n")
	b.WriteString("3. Include FOREIGN KEY constraints with ON DELETE CASCADE.\n")
	b.WriteString("4. Add CREATE INDEX on all foreign key columns.\n")
	b.WriteString("5. Use appropriate types (TEXT, INTEGER, NUMERIC(10,2) for money, TIMESTAMP/DATETIME for dates, BOOLEAN, etc.).\n")
	b.WriteString("6. Create tables in the order listed so that referenced tables come before referencing tables.\n")
	fmt.Fprintf(&b, "7. Use auto-incrementing primary keys where appropriate for %s.\n", label)
	b.WriteString("8. Do NOT use CREATE SCHEMA; all tables go in the default schema.\n\n")
	b.WriteString("Respond with ONLY the SQL statements. No markdown fences, no explanation. Just raw SQL.")
	return b.String()
}

// Validate asks the model to review the schema against the source files.
func Validate(sql string, entities []model.Entity, files []model.ParsedFile, d model.Dialect) string {
	label := d.Label()

	var b strings.Builder
	fmt.Fprintf(&b, "You are a database QA engineer. Review this %s SQL schema against the source data and entity definitions.\n\n", label)
	b.WriteString("SQL SCHEMA:\n")
	b.WriteString(sql)
	b.WriteString("\n\nENTITY DEFINITIONS:\n")
	b.WriteString(entitiesJSON(entities))
	b.WriteString("\n\nSOURCE FILE SUMMARIES:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s: %d rows, headers: %s\n", f.Filename, f.RowCount, strings.Join(f.Headers, ", "))
	}
	b.WriteString("\nCHECK FOR:\n")
	b.WriteString("1. All FK target tables and columns exist in the schema.\n")
	b.WriteString("2. No duplicate table names.\n")
	fmt.Fprintf(&b, "3. Data types are appropriate for the source data and %s.\n", label)
	b.WriteString("4. No data from source files is left unmapped (every file should contribute to at least one table).\n")
	b.WriteString("5. Proper normalization (e.g., nested arrays should be separate tables).\n")
	b.WriteString("6. Missing indexes on FK columns.\n\n")
	b.WriteString("Respond with ONLY valid JSON (no markdown, no explanation):\n")
	b.WriteString(`{
  "issues": [
    { "severity": "error" or "warning", "entity": "table_name", "description": "what's wrong", "suggestion": "how to fix" }
  ]
}`)
	b.WriteString("\n\nIf there are no issues, respond with: {\"issues\": []}")
	return b.String()
}

// Correct asks for a corrected entity list addressing every issue.
func Correct(entities []model.Entity, issues []model.ValidationIssue, d model.Dialect) string {
	var b strings.Builder
	b.WriteString("You are a data architect. Fix these issues in the entity definitions.\n\n")
	b.WriteString("CURRENT ENTITIES:\n")
	b.WriteString(entitiesJSON(entities))
	b.WriteString("\n\nISSUES TO FIX:\n")
	b.WriteString(mustJSON(issues))
	b.WriteString("\n\nFix all issues and return the corrected entities. Respond with ONLY valid JSON (no markdown, no explanation):\n")
	fmt.Fprintf(&b, entitiesFormat, d.Label())
	return b.String()
}

// Inserts asks for INSERT statements covering the sample rows only.
func Inserts(sql string, files []model.ParsedFile, entities []model.Entity, d model.Dialect) string {
	label := d.Label()

	var b strings.Builder
	b.WriteString("You are a data engineer. Generate INSERT statements to populate these tables from the source data.\n\n")
	b.WriteString("SQL SCHEMA:\n")
	b.WriteString(sql)
	b.WriteString("\n\nENTITIES (parents listed first):\n")
	b.WriteString(entitiesJSON(entities))
	b.WriteString("\n\nSOURCE DATA:\n")
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--- %s ---\n%s", f.Filename, mustJSON(head(f.SampleRows, insertRows)))
	}
	b.WriteString("\n\nREQUIREMENTS:\n")
	fmt.Fprintf(&b, "1. Generate INSERT statements that map source data to the normalized schema using %s syntax.\n", label)
	b.WriteString("2. Use integer IDs starting from 1 for auto-increment columns.\n")
	b.WriteString("3. For FK resolution: when source data references by name/email, use subselects or hardcode the known ID.\n")
	b.WriteString("4. Handle type conversions (e.g., string dates to native date types, string numbers to numeric).\n")
	b.WriteString("5. Only generate inserts for the SAMPLE rows shown.\n")
	b.WriteString("6. Insert into tables in the order listed (parents before children).\n")
	b.WriteString("7. Handle NULL values properly.\n\n")
	b.WriteString("Respond with ONLY the SQL INSERT statements. No markdown fences, no explanation. Just raw SQL.")
	return b.String()
}

// FileSummary is the compact per-file block used in the inference prompt.
func FileSummary(f model.ParsedFile) string {
	return fmt.Sprintf("File: %s\nHeaders: %s\nSample: %s",
		f.Filename, strings.Join(f.Headers, ","), mustJSON(head(f.SampleRows, summaryRows)))
}

func entitiesJSON(entities []model.Entity) string {
	sorted, _ := schema.Sort(entities)
	return mustJSON(sorted)
}

func head(rows []records.Record, n int) []records.Record {
	if rows == nil {
		return []records.Record{}
	}
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}

// mustJSON marshals values built from decoded JSON and model types, which
// cannot fail to encode.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("prompt: marshal %T: %v", v, err))
	}
	return string(b)
}
