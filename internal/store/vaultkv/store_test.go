package vaultkv

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/lecca-io/connectd/internal/store"
	"github.com/lecca-io/connectd/internal/store/storetest"
)

type kvEntry struct {
	version int
	data    map[string]any
}

// fakeKV implements the slice of the KV v2 HTTP API the store uses.
type fakeKV struct {
	mu      sync.Mutex
	entries map[string]*kvEntry
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Vault-Token") != "root" {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/secret/data/"):
		path := strings.TrimPrefix(r.URL.Path, "/v1/secret/data/")
		if r.Method == http.MethodGet {
			f.read(w, path)
			return
		}
		f.write(w, r, path)
	case strings.HasPrefix(r.URL.Path, "/v1/secret/metadata/") && r.Method == http.MethodDelete:
		delete(f.entries, strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/"))
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(r.URL.Path, "/v1/secret/metadata/") && r.URL.Query().Get("list") == "true":
		f.list(w, strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	}
}

func metadata(version int) map[string]any {
	return map[string]any{
		"version":       version,
		"created_time":  "2030-01-01T00:00:00Z",
		"deletion_time": "",
		"destroyed":     false,
	}
}

func (f *fakeKV) read(w http.ResponseWriter, path string) {
	e, ok := f.entries[path]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"data": e.data, "metadata": metadata(e.version)}})
}

func (f *fakeKV) write(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Data    map[string]any `json:"data"`
		Options struct {
			CAS *int `json:"cas"`
		} `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}
	current := 0
	if e, ok := f.entries[path]; ok {
		current = e.version
	}
	if body.Options.CAS != nil && *body.Options.CAS != current {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"check-and-set parameter did not match the current version"}})
		return
	}
	f.entries[path] = &kvEntry{version: current + 1, data: body.Data}
	writeJSON(w, http.StatusOK, map[string]any{"data": metadata(current + 1)})
}

func (f *fakeKV) list(w http.ResponseWriter, path string) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := map[string]struct{}{}
	for p := range f.entries {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		if head, _, nested := strings.Cut(rest, "/"); nested {
			seen[head+"/"] = struct{}{}
		} else {
			seen[rest] = struct{}{}
		}
	}
	if len(seen) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
		return
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"keys": keys}})
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	server := httptest.NewServer(&fakeKV{entries: map[string]*kvEntry{}})
	t.Cleanup(server.Close)

	s, err := New(Options{Address: server.URL, Token: "root"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestVaultKVStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestNewRequiresAddressAndToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Token: "root"}); err == nil {
		t.Fatal("New() without address error = nil")
	}
	if _, err := New(Options{Address: "http://127.0.0.1:8200"}); err == nil {
		t.Fatal("New() without token error = nil")
	}
}

func TestInstancePathEscapesSegments(t *testing.T) {
	t.Parallel()

	s := &Store{prefix: "connectd"}
	if got := s.instancePath("acme/eu", "a b"); got != "connectd/acme%2Feu/a%20b" {
		t.Fatalf("instancePath() = %q", got)
	}
}
