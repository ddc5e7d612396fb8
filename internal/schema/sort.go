package schema

import "lakeforge/internal/model"

// Sort orders entities so that every referenced table precedes the tables
// referencing it. Ties keep input order. Self references and references to
// unknown tables impose no ordering.
//
// Tables that cannot be ordered (members of a cycle, or tables depending on
// one) are appended in input order after the rest; their names are returned
// as cyclic.
func Sort(entities []model.Entity) (sorted []model.Entity, cyclic []string) {
	index := make(map[string]int, len(entities))
	for i, e := range entities {
		if _, dup := index[key(e.TableName)]; !dup {
			index[key(e.TableName)] = i
		}
	}

	// deps[i] holds the distinct entity indexes that entity i references.
	deps := make([]map[int]struct{}, len(entities))
	for i, e := range entities {
		deps[i] = make(map[int]struct{})
		for _, fk := range e.ForeignKeys {
			j, ok := index[key(fk.ReferencesTable)]
			if !ok || j == i {
				continue
			}
			deps[i][j] = struct{}{}
		}
	}

	done := make([]bool, len(entities))
	sorted = make([]model.Entity, 0, len(entities))
	for progress := true; progress; {
		progress = false
		for i := range entities {
			if done[i] || !ready(deps[i], done) {
				continue
			}
			done[i] = true
			sorted = append(sorted, entities[i])
			progress = true
			// Restart so earlier entities unblocked by i keep their place.
			break
		}
	}

	for i, e := range entities {
		if !done[i] {
			sorted = append(sorted, e)
			cyclic = append(cyclic, e.TableName)
		}
	}
	return sorted, cyclic
}

func ready(deps map[int]struct{}, done []bool) bool {
	for j := range deps {
		if !done[j] {
			return false
		}
	}
	return true
}
