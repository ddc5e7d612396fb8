// Package schema holds the structural checks run against inferred entities and
// the foreign-key ordering used when building DDL/DML prompts.
package schema

import (
	"fmt"
	"strings"

	"lakeforge/internal/model"
)

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Check returns the structural issues in entities, in entity order.
//
// Errors: duplicate table names, duplicate column names within a table, a
// foreign key whose target table is absent, a foreign key whose own column is
// not declared. Warnings: a foreign key pointing at a column the target table
// does not declare, and foreign-key cycles between tables.
func Check(entities []model.Entity) []model.ValidationIssue {
	issues := []model.ValidationIssue{}

	byName := make(map[string]model.Entity, len(entities))
	for _, e := range entities {
		k := key(e.TableName)
		if _, dup := byName[k]; dup {
			issues = append(issues, model.ValidationIssue{
				Severity:    model.SeverityError,
				Entity:      e.TableName,
				Description: fmt.Sprintf("Duplicate table name %q", e.TableName),
				Suggestion:  "Merge the duplicate definitions into one table or rename one of them.",
			})
			continue
		}
		byName[k] = e
	}

	for _, e := range entities {
		seen := make(map[string]struct{}, len(e.Columns))
		for _, c := range e.Columns {
			k := key(c.Name)
			if _, dup := seen[k]; dup {
				issues = append(issues, model.ValidationIssue{
					Severity:    model.SeverityError,
					Entity:      e.TableName,
					Description: fmt.Sprintf("Duplicate column %q in table %q", c.Name, e.TableName),
					Suggestion:  "Remove or rename the duplicate column.",
				})
				continue
			}
			seen[k] = struct{}{}
		}

		for _, fk := range e.ForeignKeys {
			if _, ok := e.Column(fk.Column); !ok {
				issues = append(issues, model.ValidationIssue{
					Severity:    model.SeverityError,
					Entity:      e.TableName,
					Description: fmt.Sprintf("Foreign key column %q is not a column of %q", fk.Column, e.TableName),
					Suggestion:  fmt.Sprintf("Add column %q to %q or drop the foreign key.", fk.Column, e.TableName),
				})
			}

			target, ok := byName[key(fk.ReferencesTable)]
			if !ok {
				issues = append(issues, model.ValidationIssue{
					Severity:    model.SeverityError,
					Entity:      e.TableName,
					Description: fmt.Sprintf("Foreign key %s.%s references missing table %q", e.TableName, fk.Column, fk.ReferencesTable),
					Suggestion:  fmt.Sprintf("Create table %q or point the foreign key at an existing table.", fk.ReferencesTable),
				})
				continue
			}
			if fk.ReferencesColumn != "" {
				if _, ok := target.Column(fk.ReferencesColumn); !ok {
					issues = append(issues, model.ValidationIssue{
						Severity:    model.SeverityWarning,
						Entity:      e.TableName,
						Description: fmt.Sprintf("Foreign key %s.%s references %s.%s, which is not declared", e.TableName, fk.Column, target.TableName, fk.ReferencesColumn),
						Suggestion:  fmt.Sprintf("Reference the primary key of %q.", target.TableName),
					})
				}
			}
		}
	}

	if _, cyclic := Sort(entities); len(cyclic) > 0 {
		issues = append(issues, model.ValidationIssue{
			Severity:    model.SeverityWarning,
			Entity:      cyclic[0],
			Description: fmt.Sprintf("Foreign keys form a cycle between tables: %s", strings.Join(cyclic, ", ")),
			Suggestion:  "Make one side of the cycle nullable or move it into a junction table.",
		})
	}

	return issues
}
