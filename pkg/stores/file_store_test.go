package stores

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "output", "config.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	store.DebounceDelay = 20 * time.Millisecond
	return store
}

func TestFileStore_GetPut(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Put(ctx, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("unexpected contents %s", data)
	}

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the config file, found %d entries", len(entries))
	}
}

func TestFileStore_PutCanceled(t *testing.T) {
	store := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFileStore_WatchIgnoresOwnWrites(t *testing.T) {
	store := newTestFileStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []byte, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func(data []byte) { changes <- data })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := store.Put(ctx, []byte(`{"own":true}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case data := <-changes:
		t.Fatalf("own write reported as change: %s", data)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(store.Path(), []byte(`{"external":true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case data := <-changes:
		if string(data) != `{"external":true}` {
			t.Errorf("unexpected change %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("external change not reported")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestHTTPStore(t *testing.T) {
	var stored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if stored == nil {
				http.Error(w, "no config", http.StatusNotFound)
				return
			}
			_, _ = w.Write(stored)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			if string(body) == "bad" {
				http.Error(w, "invalid snapshot", http.StatusBadRequest)
				return
			}
			stored = body
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	store, err := NewHTTPStore(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new http store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(ctx, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"x":1}` {
		t.Errorf("unexpected data %s", data)
	}

	if err := store.Put(ctx, []byte("bad")); err == nil {
		t.Error("expected error for rejected snapshot")
	}

	if _, err := NewHTTPStore("", nil); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestEncodeDecode(t *testing.T) {
	doc := "sheet.json"
	data, err := Encode(&PersistedConfig{
		Sections:     map[string]bool{"A": true, "a1": true},
		SectionOrder: []string{"A"},
		LastJSON:     &doc,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cfg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.LastJSON == nil || *cfg.LastJSON != doc {
		t.Errorf("last_json lost: %+v", cfg)
	}
	if cfg.LastPreview != nil {
		t.Errorf("expected null last_preview, got %v", *cfg.LastPreview)
	}

	empty, err := Encode(&PersistedConfig{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "{\n  \"sections\": {},\n  \"section_order\": [],\n  \"last_json\": null,\n  \"last_preview\": null\n}\n"
	if string(empty) != want {
		t.Errorf("unexpected empty encoding:\n%s", empty)
	}

	if _, err := Decode([]byte(`{"sections": []}`)); err == nil {
		t.Error("expected error for mistyped sections")
	}
}
