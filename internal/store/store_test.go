package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s := testStore(t)
	cfg := s.Snapshot()
	if !cfg.NeedLogin {
		t.Error("fresh store should need login")
	}
	if cfg.ModelID != 6 || !cfg.NetworkMode || cfg.TriggerPrefix != "yw" || cfg.APIVersion != "old" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Image.Trigger != "识图" {
		t.Errorf("image trigger default: got %q", cfg.Image.Trigger)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetCredential("webid-1", "A", "B"); err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}
	if err := s.Update(func(c *Config) {
		c.ModelID = 2
		c.NetworkMode = false
		c.APIVersion = "new"
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Keys on disk must match the historical file format.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	for _, key := range []string{"[yuewen]", "need_login", "oasis_webid", "oasis_token", "current_model_id", "network_mode", "trigger_prefix", "api_version", "[yuewen.image_config]", "imgprompt"} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("config file missing %q:\n%s", key, raw)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	cred, ok := reopened.Credential()
	if !ok {
		t.Fatal("credential should be present after reopen")
	}
	if cred.WebID != "webid-1" || cred.AccessToken != "A" || cred.RefreshToken != "B" {
		t.Errorf("credential mismatch: %+v", cred)
	}
	if reopened.NeedLogin() {
		t.Error("need_login should be false after sign-in")
	}
	cfg := reopened.Snapshot()
	if cfg.ModelID != 2 || cfg.NetworkMode || cfg.APIVersion != "new" {
		t.Errorf("preferences not persisted: %+v", cfg)
	}
}

func TestSplitToken(t *testing.T) {
	tests := []struct {
		token, access, refresh string
	}{
		{"A...B", "A", "B"},
		// Split on the FIRST separator; halves may themselves contain dots.
		{"a.b...c...d", "a.b", "c...d"},
		{"noseparator", "noseparator", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		access, refresh := SplitToken(tt.token)
		if access != tt.access || refresh != tt.refresh {
			t.Errorf("SplitToken(%q) = %q, %q; want %q, %q", tt.token, access, refresh, tt.access, tt.refresh)
		}
	}
}

func TestCredentialPartialIsAbsent(t *testing.T) {
	s := testStore(t)
	// Access half only: must be treated as absent, forcing re-auth.
	if err := s.Update(func(c *Config) {
		c.WebID = "webid-1"
		c.Token = "access-only"
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, ok := s.Credential(); ok {
		t.Error("partial credential must not be returned")
	}
}

func TestSaveRotatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetCredential("w", "A", "B"); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := s.SetCredential("w", "A2", "B2"); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !strings.Contains(string(bak), "A...B") {
		t.Errorf("backup should hold the previous token, got:\n%s", bak)
	}
}

func TestRefreshBookkeeping(t *testing.T) {
	s := testStore(t)
	if !s.LastRefreshAt().IsZero() {
		t.Error("fresh store should have zero refresh time")
	}
	now := time.Now()
	s.MarkRefreshed(now)
	if !s.LastRefreshAt().Equal(now) {
		t.Errorf("LastRefreshAt: got %v, want %v", s.LastRefreshAt(), now)
	}
}

func TestWatcherReloadsExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	loaded := make(chan Config, 1)
	w, err := s.Watch(func(c Config) {
		select {
		case loaded <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	external := "[yuewen]\nneed_login = false\noasis_webid = \"ext\"\noasis_token = \"X...Y\"\n"
	if err := os.WriteFile(path, []byte(external), 0o600); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	select {
	case cfg := <-loaded:
		if cfg.WebID != "ext" {
			t.Errorf("reloaded webid: got %q", cfg.WebID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload external edit")
	}

	cred, ok := s.Credential()
	if !ok || cred.AccessToken != "X" || cred.RefreshToken != "Y" {
		t.Errorf("store credential after reload: %+v ok=%v", cred, ok)
	}
}
