package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetsmith/sheetsmith/pkg/configsync"
	"github.com/sheetsmith/sheetsmith/pkg/documents"
	"github.com/sheetsmith/sheetsmith/pkg/layout"
	"github.com/sheetsmith/sheetsmith/pkg/policy"
	"github.com/sheetsmith/sheetsmith/pkg/session"
	"github.com/sheetsmith/sheetsmith/pkg/stores"
	"github.com/sheetsmith/sheetsmith/pkg/telemetry"
)

type generateCall struct {
	mode documents.Mode
	req  documents.Request
}

// fakeGenerator writes a small file per call instead of running a command.
type fakeGenerator struct {
	dir string
	err error

	mu    sync.Mutex
	calls []generateCall
}

func (g *fakeGenerator) Generate(ctx context.Context, mode documents.Mode, req documents.Request) (*documents.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, generateCall{mode: mode, req: req})
	g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	out := filepath.Join(g.dir, string(mode)+".html")
	if err := os.WriteFile(out, []byte("<p>"+string(mode)+"</p>"), 0o644); err != nil {
		return nil, err
	}
	return &documents.Result{Mode: mode, Output: out}, nil
}

func (g *fakeGenerator) lastCall(t *testing.T) generateCall {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.calls)
	return g.calls[len(g.calls)-1]
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	sess    *session.Session
	store   *stores.FileStore
	gen     *fakeGenerator
	tel     *telemetry.Telemetry
	docsDir string
	hero    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	docsDir := filepath.Join(dir, "jsons")
	require.NoError(t, os.MkdirAll(docsDir, 0o755))
	hero := filepath.Join(docsDir, "hero.json")
	require.NoError(t, os.WriteFile(hero, []byte(`{"name":"Hero"}`), 0o644))

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)

	schema := layout.MustSchema([]layout.Section{
		{Key: "A", Label: "Alpha", Children: []layout.Subsection{{Key: "a1", Label: "A one"}, {Key: "a2", Label: "A two"}}},
		{Key: "B", Label: "Beta", Children: []layout.Subsection{{Key: "b1", Label: "B one"}}},
		{Key: "C", Label: "Gamma", Children: []layout.Subsection{{Key: "c1", Label: "C one"}}},
	})

	store, err := stores.NewFileStore(filepath.Join(dir, "output", "config.json"), zerolog.Nop())
	require.NoError(t, err)
	sync, err := configsync.New(configsync.Options{
		Schema:    schema,
		Store:     store,
		StoreName: "file",
		Telemetry: tel,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	sess := session.New(sync, tel, zerolog.Nop())
	sess.Open(context.Background())
	t.Cleanup(func() {
		_ = sess.Flush(context.Background())
	})

	engine, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	engine.SetTelemetry(tel)

	gen := &fakeGenerator{dir: t.TempDir()}
	srv, err := New(Options{
		Session:   sess,
		Documents: documents.NewProvider([]string{docsDir}, filepath.Join(docsDir, "uploads"), 1<<10, zerolog.Nop()),
		Generator: gen,
		Guard:     engine,
		Telemetry: tel,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return &testEnv{
		srv:     srv,
		handler: srv.Handler(),
		sess:    sess,
		store:   store,
		gen:     gen,
		tel:     tel,
		docsDir: docsDir,
		hero:    hero,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// stored returns the persisted snapshot once pending saves have landed.
func (e *testEnv) stored(t *testing.T) *stores.PersistedConfig {
	t.Helper()
	require.NoError(t, e.sess.Flush(context.Background()))
	data, err := e.store.Get(context.Background())
	require.NoError(t, err)
	cfg, err := stores.Decode(data)
	require.NoError(t, err)
	return cfg
}

type layoutBody struct {
	Sections []struct {
		Key      string `json:"key"`
		State    string `json:"state"`
		Included bool   `json:"included"`
		Children []struct {
			Key      string `json:"key"`
			Included bool   `json:"included"`
		} `json:"children"`
	} `json:"sections"`
	Document string `json:"document"`
	Selected int    `json:"selected"`
	Total    int    `json:"total"`
}

func decodeLayout(t *testing.T, rec *httptest.ResponseRecorder) layoutBody {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v layoutBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func sectionKeys(v layoutBody) []string {
	keys := make([]string, len(v.Sections))
	for i, s := range v.Sections {
		keys[i] = s.Key
	}
	return keys
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestServer_Layout(t *testing.T) {
	env := newTestEnv(t)

	v := decodeLayout(t, env.do(t, http.MethodGet, "/api/layout", ""))
	assert.Equal(t, []string{"A", "B", "C"}, sectionKeys(v))
	assert.Equal(t, 4, v.Selected)
	assert.Equal(t, 4, v.Total)
	assert.Equal(t, "selected", v.Sections[0].State)
}

func TestServer_SetSection(t *testing.T) {
	env := newTestEnv(t)

	v := decodeLayout(t, env.do(t, http.MethodPut, "/api/sections/a1", `{"included":false}`))
	assert.Equal(t, "partial", v.Sections[0].State)
	assert.True(t, v.Sections[0].Included)

	v = decodeLayout(t, env.do(t, http.MethodPut, "/api/sections/A", `{"included":false}`))
	assert.Equal(t, "unselected", v.Sections[0].State)
	assert.False(t, v.Sections[0].Included)

	cfg := env.stored(t)
	assert.False(t, cfg.Sections["A"])
	assert.False(t, cfg.Sections["a1"])
	assert.False(t, cfg.Sections["a2"])
	assert.True(t, cfg.Sections["B"])

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown key", "/api/sections/nope", `{"included":true}`, http.StatusNotFound},
		{"missing flag", "/api/sections/a1", `{}`, http.StatusBadRequest},
		{"malformed body", "/api/sections/a1", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestServer_SetAll(t *testing.T) {
	env := newTestEnv(t)

	v := decodeLayout(t, env.do(t, http.MethodPut, "/api/sections", `{"included":false}`))
	assert.Equal(t, 0, v.Selected)

	v = decodeLayout(t, env.do(t, http.MethodPut, "/api/sections", `{"included":true}`))
	assert.Equal(t, 4, v.Selected)
}

func TestServer_Move(t *testing.T) {
	env := newTestEnv(t)

	v := decodeLayout(t, env.do(t, http.MethodPost, "/api/order/C", `{"delta":-1}`))
	assert.Equal(t, []string{"A", "C", "B"}, sectionKeys(v))

	// Moving past the boundary is a no-op, not an error.
	v = decodeLayout(t, env.do(t, http.MethodPost, "/api/order/A", `{"delta":-1}`))
	assert.Equal(t, []string{"A", "C", "B"}, sectionKeys(v))

	v = decodeLayout(t, env.do(t, http.MethodPost, "/api/order/B", `{"target":"A"}`))
	assert.Equal(t, []string{"B", "A", "C"}, sectionKeys(v))

	assert.Equal(t, []string{"B", "A", "C"}, env.stored(t).SectionOrder)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown section", "/api/order/Z", `{"delta":1}`, http.StatusNotFound},
		{"unknown target", "/api/order/A", `{"target":"Z"}`, http.StatusNotFound},
		{"subsection is not movable", "/api/order/a1", `{"target":"A"}`, http.StatusNotFound},
		{"bad delta", "/api/order/A", `{"delta":2}`, http.StatusBadRequest},
		{"neither", "/api/order/A", `{}`, http.StatusBadRequest},
		{"both", "/api/order/A", `{"delta":1,"target":"B"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_Config(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/config",
		`{"sections":{"A":true,"a1":true,"a2":false,"B":false,"b1":false,"old":true},"section_order":["C","A","B"],"last_json":null,"last_preview":null}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ok okResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.True(t, ok.OK)
	assert.Equal(t, []string{"old"}, ok.Dropped)

	rec = env.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg stores.PersistedConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, []string{"C", "A", "B"}, cfg.SectionOrder)
	assert.False(t, cfg.Sections["a2"])
	assert.False(t, cfg.Sections["B"])
	assert.True(t, cfg.Sections["c1"])
	assert.NotContains(t, cfg.Sections, "old")

	rec = env.do(t, http.MethodPost, "/api/config", `{"sections":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Documents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/jsons", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list documentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{env.hero}, list.JSONs)

	v := decodeLayout(t, env.do(t, http.MethodPut, "/api/document", `{"id":"`+env.hero+`"}`))
	assert.Equal(t, env.hero, v.Document)

	rec = env.do(t, http.MethodPut, "/api/document", `{"id":"/etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	v = decodeLayout(t, env.do(t, http.MethodPut, "/api/document", `{"id":""}`))
	assert.Equal(t, "", v.Document)
	assert.Nil(t, env.stored(t).LastJSON)
}

func uploadRequest(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestServer_Upload(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, uploadRequest(t, "file", "../../evil name.json", `{"name":"Rogue"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	want := filepath.Join(env.docsDir, "uploads", "evil name.json")
	assert.Equal(t, want, resp.Path)
	assert.True(t, resp.Document.Uploaded)
	assert.FileExists(t, want)
	assert.Equal(t, want, env.sess.Document())

	tests := []struct {
		name     string
		field    string
		filename string
		content  string
		want     int
	}{
		{"not json", "file", "notes.txt", `{}`, http.StatusBadRequest},
		{"not an object", "file", "list.json", `[1,2]`, http.StatusBadRequest},
		{"too large", "file", "big.json", `{"x":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge},
		{"wrong field", "other", "hero.json", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, uploadRequest(t, tt.field, tt.filename, tt.content))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec = env.do(t, http.MethodPost, "/api/upload", `{"not":"multipart"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Generate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/generate",
		`{"json_path":"`+env.hero+`","sections":{"B":false,"a2":false}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, documents.ModeGenerate, resp.Mode)

	call := env.gen.lastCall(t)
	assert.Equal(t, documents.ModeGenerate, call.mode)
	assert.Equal(t, env.hero, call.req.JSONPath)
	assert.False(t, call.req.Sections["b1"])
	assert.False(t, call.req.Sections["a2"])
	assert.True(t, call.req.Sections["a1"])
	assert.Equal(t, []string{"A", "B", "C"}, call.req.SectionOrder)

	cfg := env.stored(t)
	require.NotNil(t, cfg.LastJSON)
	assert.Equal(t, env.hero, *cfg.LastJSON)
	assert.Nil(t, cfg.LastPreview)

	// The session remembers the document, so an empty body works too.
	rec = env.do(t, http.MethodPost, "/api/generate", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestServer_GenerateDenied(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/generate", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Violations)
	assert.Equal(t, policy.PolicyDocumentRequired, resp.Violations[0].Policy)
	assert.Contains(t, resp.Error, "select a document before running generate")
	assert.Empty(t, env.gen.calls)

	want := `
		# HELP sheetsmith_policy_denials_total Total number of generation requests denied by policy
		# TYPE sheetsmith_policy_denials_total counter
		sheetsmith_policy_denials_total{policy="document-required"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(env.tel.Metrics.Registry(),
		strings.NewReader(want), "sheetsmith_policy_denials_total"))

	env.sess.SelectDocument(env.hero)
	env.sess.SetAll(false)
	rec = env.do(t, http.MethodPost, "/api/preview", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), policy.PolicyNonEmptySelection)

	rec = env.do(t, http.MethodPost, "/api/generate", `{"json_path":"missing.json"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GeneratorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sess.SelectDocument(env.hero)

	env.gen.err = documents.ErrNoGenerator
	rec := env.do(t, http.MethodPost, "/api/generate", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	env.gen.err = errors.New("renderer crashed")
	rec = env.do(t, http.MethodPost, "/api/preview", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "renderer crashed")
	assert.Equal(t, "", env.sess.Preview())
}

func TestServer_Preview(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No preview yet")

	rec = env.do(t, http.MethodPost, "/api/preview", `{"json_path":"`+env.hero+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resp.Output, env.sess.Preview())

	cfg := env.stored(t)
	require.NotNil(t, cfg.LastPreview)
	assert.Equal(t, resp.Output, *cfg.LastPreview)

	rec = env.do(t, http.MethodGet, "/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<p>preview</p>", rec.Body.String())

	// A removed preview falls back to the placeholder.
	require.NoError(t, os.Remove(resp.Output))
	rec = env.do(t, http.MethodGet, "/preview", "")
	assert.Contains(t, rec.Body.String(), "No preview yet")
}

func TestServer_IndexHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Alpha")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sheetsmith_http_requests_total{code="200",method="GET",route="GET /healthz"} 1`)
	assert.Contains(t, body, `sheetsmith_http_requests_total{code="404",method="GET",route="unmatched"} 1`)
}

func TestServer_Events(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.NoError(t, env.sess.SetLeaf("b1", false))

	var event string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			break
		}
	}
	assert.Equal(t, telemetry.EventTypeLayoutChanged, event)
}

func TestServer_EventsDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.srv.tel = telemetry.Nop()

	rec := env.do(t, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
