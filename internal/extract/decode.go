package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"lakeforge/internal/model"
)

// InvalidResponseError means the model answered but the answer does not have
// the expected shape. It is distinct from transport failures, which the llm
// package reports.
type InvalidResponseError struct {
	// Kind names the expected payload: "entities", "issues" or "schema_sql".
	Kind   string
	Reason string
	// Payload is the extracted text, truncated for logs.
	Payload string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid model response (%s): %s", e.Kind, e.Reason)
}

const payloadLogLimit = 300

func invalid(kind, reason, payload string) *InvalidResponseError {
	if len(payload) > payloadLogLimit {
		payload = payload[:payloadLogLimit] + "..."
	}
	return &InvalidResponseError{Kind: kind, Reason: reason, Payload: payload}
}

type entitiesEnvelope struct {
	Entities *[]model.Entity `json:"entities"`
}

// DecodeEntities extracts and validates an {"entities":[...]} reply.
//
// Errors:
//   - *InvalidResponseError when the JSON does not decode, the entities key is
//     missing or empty, or any entity lacks a table name or named columns.
func DecodeEntities(reply string) ([]model.Entity, error) {
	payload := JSON(reply)

	var env entitiesEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, invalid("entities", "decode: "+err.Error(), payload)
	}
	if env.Entities == nil {
		return nil, invalid("entities", `missing "entities" array`, payload)
	}
	ents := *env.Entities
	if len(ents) == 0 {
		return nil, invalid("entities", "empty entity list", payload)
	}

	for i := range ents {
		e := &ents[i]
		e.TableName = strings.TrimSpace(e.TableName)
		if e.TableName == "" {
			return nil, invalid("entities", fmt.Sprintf("entity %d has no tableName", i), payload)
		}
		if len(e.Columns) == 0 {
			return nil, invalid("entities", fmt.Sprintf("entity %q has no columns", e.TableName), payload)
		}
		for j, c := range e.Columns {
			if strings.TrimSpace(c.Name) == "" {
				return nil, invalid("entities", fmt.Sprintf("entity %q column %d has no name", e.TableName, j), payload)
			}
		}
		if e.ForeignKeys == nil {
			e.ForeignKeys = []model.ForeignKey{}
		}
		if e.SourceFiles == nil {
			e.SourceFiles = []string{}
		}
	}
	return ents, nil
}

type issueWire struct {
	Severity    string `json:"severity"`
	Entity      string `json:"entity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// DecodeIssues extracts validation issues from either {"issues":[...]} or a
// bare JSON array. Severities are normalized with model.ParseSeverity and
// issues without a description are dropped.
func DecodeIssues(reply string) ([]model.ValidationIssue, error) {
	payload := JSON(reply)
	trimmed := strings.TrimSpace(payload)

	var wire []issueWire
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
			return nil, invalid("issues", "decode: "+err.Error(), payload)
		}
	case strings.HasPrefix(trimmed, "{"):
		var env struct {
			Issues *[]issueWire `json:"issues"`
		}
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return nil, invalid("issues", "decode: "+err.Error(), payload)
		}
		if env.Issues == nil {
			return nil, invalid("issues", `missing "issues" array`, payload)
		}
		wire = *env.Issues
	default:
		return nil, invalid("issues", "no JSON payload", payload)
	}

	out := make([]model.ValidationIssue, 0, len(wire))
	for _, w := range wire {
		if strings.TrimSpace(w.Description) == "" {
			continue
		}
		out = append(out, model.ValidationIssue{
			Severity:    model.ParseSeverity(w.Severity),
			Entity:      w.Entity,
			Description: w.Description,
			Suggestion:  w.Suggestion,
		})
	}
	return out, nil
}

var createTable = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\b`)

// SchemaSQL extracts DDL from reply and requires at least one CREATE TABLE.
func SchemaSQL(reply string) (string, error) {
	sql := SQL(reply)
	if sql == "" {
		return "", invalid("schema_sql", "empty reply", reply)
	}
	if !createTable.MatchString(sql) {
		return "", invalid("schema_sql", "no CREATE TABLE statement", sql)
	}
	return sql, nil
}
