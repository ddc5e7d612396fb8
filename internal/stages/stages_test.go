package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakeforge/internal/datasource"
	"lakeforge/internal/events"
	"lakeforge/internal/extract"
	"lakeforge/internal/llm"
	"lakeforge/internal/llm/llmtest"
	"lakeforge/internal/model"
	"lakeforge/internal/storage"
	"lakeforge/internal/storage/memory"
)

type files map[string]string

func (f files) Fetch(_ context.Context, key string) ([]byte, error) {
	if v, ok := f[key]; ok {
		return []byte(v), nil
	}
	return nil, datasource.ErrNotFound
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last(t events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.evs) - 1; i >= 0; i-- {
		if r.evs[i].Type == t {
			return r.evs[i], true
		}
	}
	return events.Event{}, false
}

func (r *recorder) count(t events.Type) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

func newSet(t *testing.T, deps Deps) (*Set, *events.Emitter, *recorder) {
	t.Helper()
	deps.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	rec := &recorder{}
	return New(deps), events.NewEmitter("s1", 0, rec), rec
}

const entitiesReply = `{"entities":[
  {"tableName":"customers","columns":[{"name":"customer_id","type":"INTEGER","isPrimaryKey":true},{"name":"name","type":"TEXT"}],"sourceFiles":["customers.csv"],"foreignKeys":[]},
  {"tableName":"orders","columns":[{"name":"order_id","type":"INTEGER","isPrimaryKey":true},{"name":"customer_id","type":"INTEGER"}],"sourceFiles":["orders.json"],
   "foreignKeys":[{"column":"customer_id","referencesTable":"customers","referencesColumn":"customer_id"}]}
]}`

func decodedEntities(t *testing.T) []model.Entity {
	t.Helper()
	ents, err := extract.DecodeEntities(entitiesReply)
	require.NoError(t, err)
	return ents
}

func TestParseFiles(t *testing.T) {
	s, em, rec := newSet(t, Deps{Files: files{
		"uploads/customers.csv": "customer_id,name\n1,Ada\n2,Bob\n",
		"uploads/bad.json":      "   ",
	}})
	st := model.NewState("s1", []string{"uploads/customers.csv", "uploads/bad.json", "uploads/missing.xml"}, "", 0)

	d, err := s.ParseFiles(context.Background(), st, em)
	require.NoError(t, err)
	require.NotNil(t, d.ParsedFiles)

	got := *d.ParsedFiles
	require.Len(t, got, 3)
	assert.Equal(t, "customers.csv", got[0].Filename)
	assert.True(t, got[0].OK())
	assert.Equal(t, []string{"customer_id", "name"}, got[0].Headers)
	assert.Equal(t, 2, got[0].RowCount)
	assert.False(t, got[1].OK())
	assert.Equal(t, "missing.xml", got[2].Filename)
	assert.False(t, got[2].OK())

	assert.Equal(t, []events.Type{events.ParsingStarted, events.FileParsed, events.FileParsed, events.FileParsed}, rec.types())
	ev, _ := rec.last(events.FileParsed)
	assert.Equal(t, "Failed to parse missing.xml", ev.Message)
	assert.Contains(t, ev.Payload, "error")
}

func TestInferEntities(t *testing.T) {
	router := llmtest.NewRouter().On(llmtest.EntitiesPrompt, llmtest.Reply{Text: "```json\n" + entitiesReply + "\n```", Cost: 0.25})
	s, em, rec := newSet(t, Deps{LLM: router})

	st := model.NewState("s1", nil, "", 0)
	st.ParsedFiles = []model.ParsedFile{{Filename: "customers.csv", Format: model.FormatCSV, Headers: []string{"customer_id"}}}

	d, err := s.InferEntities(context.Background(), st, em)
	require.NoError(t, err)
	require.Len(t, *d.Entities, 2)
	assert.Equal(t, 0.25, d.Cost)

	ev, ok := rec.last(events.EntitiesInferred)
	require.True(t, ok)
	assert.Equal(t, "Identified 2 entities", ev.Message)
	assert.Equal(t, 2, ev.Payload["entityCount"])
}

func TestInferEntities_Fatal(t *testing.T) {
	t.Run("invalid_reply", func(t *testing.T) {
		s, em, _ := newSet(t, Deps{LLM: llmtest.NewRouter().Text(llmtest.EntitiesPrompt, "I could not find any tables.")})
		st := model.NewState("s1", nil, "", 0)
		st.ParsedFiles = []model.ParsedFile{{Filename: "a.csv"}}

		_, err := s.InferEntities(context.Background(), st, em)
		var ire *extract.InvalidResponseError
		require.True(t, errors.As(err, &ire), "err=%v", err)
		assert.Equal(t, "entities", ire.Kind)
	})

	t.Run("model_unreachable", func(t *testing.T) {
		exhausted := &llm.ExhaustedError{Models: []string{"m"}, Last: &llm.APIError{StatusCode: 503}}
		s, em, _ := newSet(t, Deps{LLM: llmtest.NewRouter().On(llmtest.EntitiesPrompt, llmtest.Reply{Err: exhausted})})
		st := model.NewState("s1", nil, "", 0)
		st.ParsedFiles = []model.ParsedFile{{Filename: "a.csv"}}

		_, err := s.InferEntities(context.Background(), st, em)
		var ee *llm.ExhaustedError
		require.True(t, errors.As(err, &ee), "err=%v", err)
	})

	t.Run("no_usable_files", func(t *testing.T) {
		s, em, _ := newSet(t, Deps{LLM: llmtest.NewRouter()})
		st := model.NewState("s1", nil, "", 0)
		st.ParsedFiles = []model.ParsedFile{{Filename: "a.csv", Error: "boom"}}

		_, err := s.InferEntities(context.Background(), st, em)
		require.ErrorIs(t, err, ErrNoUsableFiles)
	})
}

func TestGenerateSQL(t *testing.T) {
	router := llmtest.NewRouter().Text(llmtest.SchemaPrompt,
		"Here you go:\n```sql\nCREATE TABLE customers (customer_id INTEGER PRIMARY KEY);\nCREATE TABLE orders (order_id INTEGER PRIMARY KEY);\n```")
	s, em, rec := newSet(t, Deps{LLM: router})
	st := model.NewState("s1", nil, "", 0)
	st.Entities = decodedEntities(t)

	d, err := s.GenerateSQL(context.Background(), st, em)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(*d.SchemaSQL, "CREATE TABLE customers"))
	assert.Equal(t, 2, rec.count(events.TableCreated))

	ev, _ := rec.last(events.TableCreated)
	assert.Equal(t, "orders", ev.Payload["name"])
	fks := ev.Payload["foreignKeys"].([]map[string]any)
	require.Len(t, fks, 1)
	assert.Equal(t, "customers", fks[0]["targetTable"])
}

func TestGenerateSQL_NoCreateTable(t *testing.T) {
	s, em, rec := newSet(t, Deps{LLM: llmtest.NewRouter().Text(llmtest.SchemaPrompt, "Sorry, I cannot help with that.")})
	st := model.NewState("s1", nil, "", 0)
	st.Entities = decodedEntities(t)

	_, err := s.GenerateSQL(context.Background(), st, em)
	var ire *extract.InvalidResponseError
	require.True(t, errors.As(err, &ire), "err=%v", err)
	assert.Equal(t, 0, rec.count(events.TableCreated))
}

func TestValidateSchema(t *testing.T) {
	router := llmtest.NewRouter().Text(llmtest.ValidatePrompt,
		`{"issues":[{"severity":"warning","entity":"orders","description":"no index on customer_id","suggestion":"add one"}]}`)
	s, em, rec := newSet(t, Deps{LLM: router})

	st := model.NewState("s1", nil, "", 0)
	st.Entities = decodedEntities(t)
	st.Entities[1].ForeignKeys = append(st.Entities[1].ForeignKeys,
		model.ForeignKey{Column: "order_id", ReferencesTable: "products", ReferencesColumn: "id"})

	d, err := s.ValidateSchema(context.Background(), st, em)
	require.NoError(t, err)
	issues := *d.ValidationIssues
	require.Len(t, issues, 2)
	assert.Equal(t, model.SeverityError, issues[0].Severity)
	assert.Equal(t, model.SeverityWarning, issues[1].Severity)

	ev, _ := rec.last(events.ValidationComplete)
	assert.Equal(t, "Found 2 issues (1 errors)", ev.Message)
	assert.Equal(t, 1, rec.count(events.DriftDetected))
	drift, _ := rec.last(events.DriftDetected)
	assert.Equal(t, "orders", drift.Payload["resource"])
}

func TestValidateSchema_UnreadableReviewIsIgnored(t *testing.T) {
	s, em, rec := newSet(t, Deps{LLM: llmtest.NewRouter().Text(llmtest.ValidatePrompt, "Looks fine to me!")})
	st := model.NewState("s1", nil, "", 0)
	st.Entities = decodedEntities(t)

	d, err := s.ValidateSchema(context.Background(), st, em)
	require.NoError(t, err)
	assert.Empty(t, *d.ValidationIssues)
	ev, _ := rec.last(events.ValidationComplete)
	assert.Equal(t, "Schema validation passed", ev.Message)
	assert.Equal(t, 0, rec.count(events.DriftDetected))
}

func TestCorrectSchema(t *testing.T) {
	fixed := strings.Replace(entitiesReply, `"name":"name","type":"TEXT"`, `"name":"full_name","type":"TEXT"`, 1)
	s, em, rec := newSet(t, Deps{LLM: llmtest.NewRouter().Text(llmtest.CorrectPrompt, fixed)})
	st := model.NewState("s1", nil, "", 0)
	st.Entities = decodedEntities(t)
	st.IterationCount = 1

	d, err := s.CorrectSchema(context.Background(), st, em)
	require.NoError(t, err)
	assert.Equal(t, 2, *d.IterationCount)
	assert.Equal(t, "full_name", (*d.Entities)[0].Columns[1].Name)
	assert.Equal(t, 0, rec.count(events.CorrectionStalled))
	assert.Equal(t, 2, rec.count(events.SchemaCorrected))
	ev, _ := rec.last(events.SchemaCorrected)
	assert.Equal(t, "Schema corrected", ev.Message)
	assert.Equal(t, 2, ev.Payload["iterationCount"])
}

func TestCorrectSchema_Stalls(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "unparseable", reply: "I fixed everything."},
		{name: "unchanged", reply: entitiesReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, em, rec := newSet(t, Deps{LLM: llmtest.NewRouter().Text(llmtest.CorrectPrompt, tt.reply)})
			st := model.NewState("s1", nil, "", 0)
			st.Entities = decodedEntities(t)

			d, err := s.CorrectSchema(context.Background(), st, em)
			require.NoError(t, err)
			assert.Equal(t, 1, *d.IterationCount)
			assert.Equal(t, st.Entities, *d.Entities)

			ev, ok := rec.last(events.CorrectionStalled)
			require.True(t, ok)
			assert.Equal(t, 1, ev.Payload["iteration"])
			assert.NotEmpty(t, ev.Payload["reason"])
		})
	}
}

func TestGenerateInserts_EmptyAllowed(t *testing.T) {
	s, em, rec := newSet(t, Deps{LLM: llmtest.NewRouter().Text(llmtest.InsertsPrompt, "")})
	d, err := s.GenerateInserts(context.Background(), model.NewState("s1", nil, "", 0), em)
	require.NoError(t, err)
	assert.Equal(t, "", *d.InsertSQL)
	assert.Equal(t, []events.Type{events.DataInsertionStarted}, rec.types())
}

func TestExecuteSQL_PartialInsertFailure(t *testing.T) {
	exec := memory.NewExecutor()
	exec.FailOn = func(sql string) error {
		if strings.Contains(sql, "VALUES (3)") {
			return errors.New("duplicate key")
		}
		return nil
	}
	s, em, rec := newSet(t, Deps{Exec: exec})

	st := model.NewState("s1", nil, "", 0)
	st.SchemaSQL = "CREATE TABLE t (id INT PRIMARY KEY);"
	st.InsertSQL = "INSERT INTO t VALUES (1); INSERT INTO t VALUES (2); INSERT INTO t VALUES (3); INSERT INTO t VALUES (4); INSERT INTO t VALUES (5);"

	_, err := s.ExecuteSQL(context.Background(), st, em)
	require.NoError(t, err)

	ev, ok := rec.last(events.DataInserted)
	require.True(t, ok)
	assert.Equal(t, 4, ev.Payload["statementCount"])
	assert.Equal(t, 5, ev.Payload["totalStatements"])

	sqlErr, ok := rec.last(events.SQLError)
	require.True(t, ok)
	assert.Equal(t, "insert", sqlErr.Payload["phase"])
	assert.Equal(t, "INSERT INTO t VALUES (3)", sqlErr.Payload["statement"])

	assert.Equal(t, []events.Type{
		events.ExecutingSQL, events.SchemaApplied, events.SQLError, events.DataInserted,
	}, rec.types())
	// One schema batch plus five individual inserts.
	assert.Len(t, exec.Executed(), 6)
}

func TestExecuteSQL_SchemaFallsBackToStatements(t *testing.T) {
	exec := memory.NewExecutor()
	exec.FailOn = func(sql string) error {
		if strings.Count(sql, "CREATE TABLE") > 1 || strings.Contains(sql, "CRATE") {
			return errors.New("syntax error")
		}
		return nil
	}
	s, em, rec := newSet(t, Deps{Exec: exec})

	st := model.NewState("s1", nil, "", 0)
	st.SchemaSQL = "CREATE TABLE a (id INT); CRATE TABLE b (id INT); CREATE TABLE c (id INT);"

	_, err := s.ExecuteSQL(context.Background(), st, em)
	require.NoError(t, err)

	assert.Equal(t, []string{
		st.SchemaSQL,
		"CREATE TABLE a (id INT);",
		"CRATE TABLE b (id INT);",
		"CREATE TABLE c (id INT);",
	}, exec.Executed())
	ev, _ := rec.last(events.SQLError)
	assert.Equal(t, "schema", ev.Payload["phase"])
	assert.Equal(t, "Schema error: syntax error", ev.Message)

	ins, _ := rec.last(events.DataInserted)
	assert.Equal(t, 0, ins.Payload["totalStatements"])
}

func TestExecuteSQL_LostConnectionIsFatal(t *testing.T) {
	exec := memory.NewExecutor()
	exec.FailOn = func(string) error { return storage.ErrConnection }
	s, em, rec := newSet(t, Deps{Exec: exec})

	st := model.NewState("s1", nil, "", 0)
	st.SchemaSQL = "CREATE TABLE a (id INT);"

	_, err := s.ExecuteSQL(context.Background(), st, em)
	require.ErrorIs(t, err, storage.ErrConnection)
	assert.Equal(t, 0, rec.count(events.SchemaApplied))
}

func TestExecuteSQL_NoExecutor(t *testing.T) {
	s, em, _ := newSet(t, Deps{})
	_, err := s.ExecuteSQL(context.Background(), model.NewState("s1", nil, "", 0), em)
	require.ErrorIs(t, err, ErrNoExecutor)
}

func TestFor(t *testing.T) {
	s := New(Deps{})
	for _, st := range []model.Status{
		model.StatusParsing, model.StatusInferring, model.StatusGenerating, model.StatusValidating,
		model.StatusCorrecting, model.StatusInserting, model.StatusExecuting,
	} {
		name, fn, ok := s.For(st)
		assert.True(t, ok, st)
		assert.NotEmpty(t, name)
		assert.NotNil(t, fn)
	}
	_, _, ok := s.For(model.StatusComplete)
	assert.False(t, ok)
	assert.Equal(t, DefaultStatementDelay, s.deps.StatementDelay)
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", 250)
	assert.Len(t, preview(long), statementPreview)
	assert.Equal(t, "short", preview("short"))
}
