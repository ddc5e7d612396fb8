package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakeforge/internal/datasource"
	"lakeforge/internal/datasource/file"
	"lakeforge/internal/events"
	"lakeforge/internal/llm/llmtest"
	"lakeforge/internal/model"
	"lakeforge/internal/pipeline"
	"lakeforge/internal/stages"
	"lakeforge/internal/storage"
	"lakeforge/internal/storage/memory"
)

func init() { gin.SetMode(gin.TestMode) }

// gatedFiles serves one CSV, optionally holding every fetch until open closes.
type gatedFiles struct {
	open chan struct{}
}

func (g gatedFiles) Fetch(ctx context.Context, key string) ([]byte, error) {
	if g.open != nil {
		select {
		case <-g.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if key != "customers.csv" {
		return nil, datasource.ErrNotFound
	}
	return []byte("customer_id,name\n1,Ada\n"), nil
}

type fixture struct {
	router *llmtest.Router
	srv    *Server
	svc    *pipeline.Service
	store  *memory.Store
}

func newFixture(t *testing.T, files datasource.Source) *fixture {
	t.Helper()
	router := llmtest.NewRouter().
		Text(llmtest.EntitiesPrompt, `{"entities":[{"tableName":"customers","columns":[{"name":"customer_id","type":"INTEGER","isPrimaryKey":true},{"name":"name","type":"TEXT"}],"sourceFiles":["customers.csv"],"foreignKeys":[]}]}`).
		Text(llmtest.SchemaPrompt, "CREATE TABLE customers (customer_id INTEGER PRIMARY KEY, name TEXT);").
		Text(llmtest.ValidatePrompt, `{"issues":[]}`).
		Text(llmtest.InsertsPrompt, "INSERT INTO customers VALUES (1, 'Ada');")

	store := memory.NewStore()
	broker := events.NewBroker()
	set := stages.New(stages.Deps{LLM: router, Files: files, Exec: memory.NewExecutor(), StatementDelay: -1})
	orch := pipeline.NewOrchestrator(set, store, broker, pipeline.Defaults{Dialect: model.DialectPostgres, MaxIterations: 3})
	svc := pipeline.NewService(orch, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{router: router, srv: New(svc, store, broker), svc: svc, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, gatedFiles{})
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"service":"lakeforge"}`, w.Body.String())
}

func TestRun_BadRequests(t *testing.T) {
	f := newFixture(t, gatedFiles{})

	tests := []struct {
		name string
		body any
	}{
		{name: "missing_session", body: gin.H{"fileKeys": []string{"customers.csv"}}},
		{name: "missing_files", body: gin.H{"sessionId": "s1"}},
		{name: "empty_files", body: gin.H{"sessionId": "s1", "fileKeys": []string{}}},
		{name: "bad_dialect", body: gin.H{"sessionId": "s1", "fileKeys": []string{"a"}, "options": gin.H{"targetDialect": "db2"}}},
		{name: "not_json", body: "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/run", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestRun_CompletesAsynchronously(t *testing.T) {
	f := newFixture(t, gatedFiles{})

	w := f.do(t, http.MethodPost, "/run", gin.H{"sessionId": "s1", "fileKeys": []string{"customers.csv"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true,"sessionId":"s1"}`, w.Body.String())
	f.svc.Wait()

	w = f.do(t, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, string(storage.SessionSucceeded), got["session"].(map[string]any)["status"])
	cp := got["checkpoint"].(map[string]any)
	assert.Equal(t, string(model.StatusComplete), cp["status"])
	assert.EqualValues(t, 1, cp["entityCount"])
	assert.Equal(t, false, got["running"])

	w = f.do(t, http.MethodGet, "/events?session_id=s1&after=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []events.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	assert.Equal(t, int64(3), body.Events[0].Seq)
	assert.Equal(t, events.BuildSucceeded, body.Events[len(body.Events)-1].Type)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/events", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/events?session_id=s1&after=x", nil).Code)
}

func TestRun_ConflictWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, gatedFiles{open: gate})

	body := gin.H{"sessionId": "busy", "fileKeys": []string{"customers.csv"}}
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/run", body).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/run", body).Code)

	close(gate)
	f.svc.Wait()
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/run", body).Code, "a finished session can run again")
	f.svc.Wait()
}

func TestSessions_CreateAndLookup(t *testing.T) {
	f := newFixture(t, gatedFiles{})

	w := f.do(t, http.MethodPost, "/sessions", gin.H{"fileKeys": []string{"customers.csv"}, "options": gin.H{"targetDialect": "sqlite"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, string(storage.SessionPending), created["status"])

	w = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode(t, w)["checkpoint"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/sessions", gin.H{"fileKeys": []string{}}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/sessions/nope/resume", nil).Code)
}

func TestResume_FromCheckpoint(t *testing.T) {
	f := newFixture(t, gatedFiles{})

	st := model.NewState("r1", []string{"customers.csv"}, model.DialectPostgres, 3)
	require.NoError(t, f.store.CreateSession(context.Background(), storage.Session{ID: "r1", FileKeys: st.FileKeys}))
	require.NoError(t, f.store.SaveCheckpoint(context.Background(), st))

	w := f.do(t, http.MethodPost, "/sessions/r1/resume", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.svc.Wait()

	sess, err := f.store.GetSession(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionSucceeded, sess.Status)
}

func TestStream_ReplaysAndEnds(t *testing.T) {
	f := newFixture(t, gatedFiles{})
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/run", gin.H{"sessionId": "st", "fileKeys": []string{"customers.csv"}}).Code)
	f.svc.Wait()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/st/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(b)
	assert.Contains(t, text, "event:parsing_started")
	assert.Contains(t, text, "event:build_succeeded")
	assert.Less(t, strings.Index(text, "event:parsing_started"), strings.Index(text, "event:build_succeeded"))
}

func TestStream_LiveEvents(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, gatedFiles{open: gate})
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/run", gin.H{"sessionId": "lv", "fileKeys": []string{"customers.csv"}}).Code)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/lv/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	close(gate)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(b)
	assert.Equal(t, 1, strings.Count(text, "event:parsing_started"), "replayed and live copies are deduplicated")
	assert.Contains(t, text, "event:build_succeeded")
	f.svc.Wait()
}

func TestRun_AbsoluteKeyIsAPerFileError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "customers.csv"), []byte("customer_id,name\n1,Ada\n"), 0o644))
	secret := filepath.Join(t.TempDir(), "secret.csv")
	require.NoError(t, os.WriteFile(secret, []byte("api_key,owner\nsk-123,ops\n"), 0o644))

	f := newFixture(t, datasource.Fallback{Primary: file.Dir{Root: root}})
	w := f.do(t, http.MethodPost, "/run", gin.H{"sessionId": "abs", "fileKeys": []string{"customers.csv", secret}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.svc.Wait()

	st, err := f.store.LoadCheckpoint(context.Background(), "abs")
	require.NoError(t, err)
	require.Len(t, st.ParsedFiles, 2)
	assert.True(t, st.ParsedFiles[0].OK())
	leaked := st.ParsedFiles[1]
	assert.Equal(t, "secret.csv", leaked.Filename)
	assert.Contains(t, leaked.Error, "escapes root")
	assert.Empty(t, leaked.RawPreview)
	assert.Empty(t, leaked.Headers)

	for _, p := range f.router.Prompts() {
		assert.NotContains(t, p, "sk-123")
	}
	evs, err := f.store.ListEvents(context.Background(), "abs", 0)
	require.NoError(t, err)
	for _, ev := range evs {
		if ev.Type == events.FileParsed && ev.Payload["filename"] == "secret.csv" {
			assert.NotContains(t, ev.Payload, "headers")
			assert.Contains(t, ev.Payload["error"], "escapes root")
		}
	}
}

func streamBody(t *testing.T, url, lastEventID string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestStream_FramesCarryIDsForReconnect(t *testing.T) {
	f := newFixture(t, gatedFiles{})
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/run", gin.H{"sessionId": "re", "fileKeys": []string{"customers.csv"}}).Code)
	f.svc.Wait()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	first := streamBody(t, ts.URL+"/sessions/re/stream", "")
	frames := strings.Split(strings.TrimSpace(first), "\n\n")
	require.NotEmpty(t, frames)
	assert.True(t, strings.HasPrefix(frames[0], "id:1\n"), "first frame %q", frames[0])
	for _, fr := range frames {
		if strings.HasPrefix(fr, "event:ping") {
			continue
		}
		assert.Contains(t, fr, "id:")
	}

	again := streamBody(t, ts.URL+"/sessions/re/stream", "2")
	assert.NotContains(t, again, "id:1\n")
	assert.NotContains(t, again, "id:2\n")
	assert.True(t, strings.HasPrefix(again, "id:3\n"), "resumed stream %q", again)
	assert.Contains(t, again, "event:build_succeeded")
}
