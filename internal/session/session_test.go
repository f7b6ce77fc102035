package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/store"
)

type fakeRefresher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, force bool) error {
	f.calls.Add(1)
	return f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return st
}

func okResult(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]string{"result": "RESULT_CODE_SUCCESS"})
}

func TestEnsureSessionOldSyncsPreferences(t *testing.T) {
	var modelCalls, searchCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "CreateChat"):
			json.NewEncoder(w).Encode(map[string]string{"id": "chat-1"})
		case strings.HasSuffix(r.URL.Path, "SetModelInUse"):
			modelCalls.Add(1)
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["modelId"] != float64(6) {
				t.Errorf("model sync sent %v, want default model 6", body["modelId"])
			}
			okResult(w)
		case strings.HasSuffix(r.URL.Path, "EnableSearch"):
			searchCalls.Add(1)
			okResult(w)
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	client := api.New(st, api.WithBaseURL(api.VariantOld, srv.URL))
	ctl := NewController(client, &fakeRefresher{})

	id, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if id != "chat-1" {
		t.Fatalf("session id = %q, want chat-1", id)
	}
	if modelCalls.Load() != 1 || searchCalls.Load() != 1 {
		t.Fatalf("preference sync calls = %d/%d, want 1/1", modelCalls.Load(), searchCalls.Load())
	}

	// A second call inside the idle window reuses the session.
	id2, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("second EnsureSession failed: %v", err)
	}
	if id2 != id {
		t.Fatalf("session recreated while still live: %q != %q", id2, id)
	}
}

func TestEnsureSessionAcceptsChatIDField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "CreateChat") {
			json.NewEncoder(w).Encode(map[string]string{"chatId": "chat-alt"})
			return
		}
		okResult(w)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctl := NewController(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)), &fakeRefresher{})
	id, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if id != "chat-alt" {
		t.Fatalf("session id = %q, want chat-alt", id)
	}
}

func TestEnsureSessionIdleRecreation(t *testing.T) {
	var created atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "CreateChat") {
			n := created.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"id": "chat-" + string(rune('0'+n))})
			return
		}
		okResult(w)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctl := NewController(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)), &fakeRefresher{})

	clock := time.Now()
	ctl.now = func() time.Time { return clock }

	first, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	// 179s idle: still the same session.
	clock = clock.Add(179 * time.Second)
	same, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if same != first {
		t.Fatalf("session recreated before the idle timeout")
	}

	// Past 180s: a fresh session.
	clock = clock.Add(2 * time.Second)
	next, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if next == first {
		t.Fatal("idle session was not recreated")
	}
}

func TestSyncPreferencesRefreshesOnUnauthorized(t *testing.T) {
	var modelCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "CreateChat"):
			json.NewEncoder(w).Encode(map[string]string{"id": "chat-1"})
		case strings.HasSuffix(r.URL.Path, "SetModelInUse"):
			if modelCalls.Add(1) == 1 {
				http.Error(w, "token is illegal", http.StatusUnauthorized)
				return
			}
			okResult(w)
		default:
			okResult(w)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	ref := &fakeRefresher{}
	ctl := NewController(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)), ref)

	if _, err := ctl.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if ref.calls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", ref.calls.Load())
	}
	// The rejected sync is retried once after the refresh.
	if modelCalls.Load() != 2 {
		t.Fatalf("SetModelInUse calls = %d, want 2", modelCalls.Load())
	}
}

func TestEnsureSessionRefreshesOnUnauthorized(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "CreateChat") {
			if attempts.Add(1) == 1 {
				http.Error(w, "token is illegal", http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "chat-1"})
			return
		}
		okResult(w)
	}))
	defer srv.Close()

	st := newTestStore(t)
	ref := &fakeRefresher{}
	ctl := NewController(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)), ref)

	id, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if id != "chat-1" {
		t.Fatalf("session id = %q", id)
	}
	if ref.calls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", ref.calls.Load())
	}
	if attempts.Load() != 2 {
		t.Fatalf("create attempts = %d, want 2", attempts.Load())
	}
}

func TestSetModelPushesPreference(t *testing.T) {
	var setCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "CreateChat"):
			json.NewEncoder(w).Encode(map[string]string{"id": "chat-1"})
		case strings.HasSuffix(r.URL.Path, "SetModelInUse"):
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if setCalls.Add(1) > 1 && body["modelId"] != float64(2) {
				t.Errorf("SetModel sent %v, want 2", body["modelId"])
			}
			okResult(w)
		default:
			okResult(w)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	ctl := NewController(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)), &fakeRefresher{})

	if err := ctl.SetModel(context.Background(), 2); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}
	// One call from the post-create sync, one from SetModel itself.
	if setCalls.Load() != 2 {
		t.Fatalf("SetModelInUse calls = %d, want 2", setCalls.Load())
	}

	if err := st.Update(func(c *store.Config) { c.APIVersion = "new" }); err != nil {
		t.Fatalf("variant switch failed: %v", err)
	}
	if err := ctl.SetModel(context.Background(), 2); err == nil {
		t.Fatal("SetModel succeeded on the new variant")
	}
}

func TestEnsureSessionVariantExclusive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "CreateChat"):
			json.NewEncoder(w).Encode(map[string]string{"id": "old-1"})
		case strings.HasSuffix(r.URL.Path, "CreateChatSession"):
			json.NewEncoder(w).Encode(map[string]any{
				"chatSession": map[string]string{"chatSessionId": "new-1"},
			})
		default:
			okResult(w)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	client := api.New(st,
		api.WithBaseURL(api.VariantOld, srv.URL),
		api.WithBaseURL(api.VariantNew, srv.URL))
	ctl := NewController(client, &fakeRefresher{})

	id, err := ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if id != "old-1" {
		t.Fatalf("old-variant session id = %q", id)
	}

	if err := st.Update(func(c *store.Config) { c.APIVersion = "new" }); err != nil {
		t.Fatalf("variant switch failed: %v", err)
	}
	id, err = ctl.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("EnsureSession after switch failed: %v", err)
	}
	if id != "new-1" {
		t.Fatalf("new-variant session id = %q, want new-1", id)
	}
	if v, cur := ctl.Current(); v != api.VariantNew || cur != "new-1" {
		t.Fatalf("Current() = %v/%q after switch", v, cur)
	}
}
