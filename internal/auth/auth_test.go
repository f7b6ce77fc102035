package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/retry"
	"github.com/stepchat/yuewen/internal/store"
)

func TestValidPhone(t *testing.T) {
	cases := []struct {
		phone string
		want  bool
	}{
		{"13800000000", true},
		{"19912345678", true},
		{"23800000000", false}, // must start with 1
		{"1380000000", false},  // too short
		{"138000000000", false},
		{"1380000000a", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidPhone(c.phone); got != c.want {
			t.Errorf("ValidPhone(%q) = %v, want %v", c.phone, got, c.want)
		}
	}
}

func tokenResponse(deviceID, access, refresh string) []byte {
	data, _ := json.Marshal(map[string]any{
		"device":       map[string]string{"deviceID": deviceID},
		"accessToken":  map[string]string{"raw": access},
		"refreshToken": map[string]string{"raw": refresh},
	})
	return data
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return st
}

func TestLoginFlow(t *testing.T) {
	var codeCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, api.MethodRegisterDevice):
			if got := r.Header.Get("oasis-webid"); got == "" {
				t.Errorf("registration sent no bootstrap webid")
			}
			w.Write(tokenResponse("device-1", "boot-access", "boot-refresh"))
		case strings.HasSuffix(r.URL.Path, api.MethodSendVerifyCode):
			codeCalls.Add(1)
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["mobileCc"] != "86" || body["mobileNum"] != "13800000000" {
				t.Errorf("unexpected verify code payload: %v", body)
			}
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, api.MethodSignIn):
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["authCode"] != "1234" {
				t.Errorf("unexpected auth code %q", body["authCode"])
			}
			w.Write(tokenResponse("", "A", "B"))
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	m := NewManager(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)))
	ctx := context.Background()

	if m.State() != StateUnregistered {
		t.Fatalf("initial state = %v, want unregistered", m.State())
	}
	if err := m.RegisterDevice(ctx); err != nil {
		t.Fatalf("device registration failed: %v", err)
	}
	if m.State() != StateDeviceRegistered {
		t.Fatalf("state after registration = %v", m.State())
	}
	if got := st.Snapshot().WebID; got != "device-1" {
		t.Fatalf("stored webid = %q, want device-1", got)
	}

	// Malformed numbers are rejected locally, before any request.
	if err := m.SendVerificationCode(ctx, "12345"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("short phone: got %v, want ErrInvalidPhone", err)
	}
	if n := codeCalls.Load(); n != 0 {
		t.Fatalf("invalid phone reached the network (%d calls)", n)
	}

	if err := m.SendVerificationCode(ctx, "13800000000"); err != nil {
		t.Fatalf("verification code failed: %v", err)
	}
	if err := m.SignIn(ctx, "13800000000", "1234"); err != nil {
		t.Fatalf("sign-in failed: %v", err)
	}
	if m.State() != StateSignedIn {
		t.Fatalf("state after sign-in = %v", m.State())
	}
	cfg := st.Snapshot()
	if cfg.Token != "A...B" {
		t.Fatalf("stored token = %q, want A...B", cfg.Token)
	}
	if cfg.NeedLogin {
		t.Fatal("need_login still set after sign-in")
	}
}

func TestSignInFailureReturnsToRegistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, api.MethodSendVerifyCode):
			w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, api.MethodSignIn):
			http.Error(w, "wrong code", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	if err := st.Update(func(c *store.Config) { c.WebID = "device-1" }); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := NewManager(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)))
	ctx := context.Background()

	if err := m.SendVerificationCode(ctx, "13800000000"); err != nil {
		t.Fatalf("verification code failed: %v", err)
	}
	if err := m.SignIn(ctx, "", "0000"); err == nil {
		t.Fatal("sign-in with rejected code succeeded")
	}
	if m.State() != StateDeviceRegistered {
		t.Fatalf("state after failed sign-in = %v, want device-registered", m.State())
	}
	// The flow restarts from the code request, not from registration.
	if err := m.SignIn(ctx, "13800000000", "1234"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("sign-in without a fresh code: got %v, want ErrWrongState", err)
	}
}

func TestRefreshRateWindow(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(tokenResponse("", "new-access", "new-refresh"))
	}))
	defer srv.Close()

	st := newTestStore(t)
	if err := st.SetCredential("device-1", "old-access", "old-refresh"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := NewManager(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)))
	ctx := context.Background()

	if err := m.RefreshToken(ctx, false); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("first refresh made %d calls, want 1", n)
	}

	// Within the window the stored token is reused without a request.
	if err := m.RefreshToken(ctx, false); err != nil {
		t.Fatalf("in-window refresh failed: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("in-window refresh hit the network (%d calls)", n)
	}

	// Force bypasses the window.
	if err := m.RefreshToken(ctx, true); err != nil {
		t.Fatalf("forced refresh failed: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("forced refresh made %d total calls, want 2", n)
	}
	if got := st.CompositeToken(); got != "new-access...new-refresh" {
		t.Fatalf("token after refresh = %q", got)
	}
	if st.LastRefreshAt().IsZero() {
		t.Fatal("successful refresh not recorded")
	}
}

func TestRefreshRejectionClearsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token is illegal", http.StatusUnauthorized)
	}))
	defer srv.Close()

	st := newTestStore(t)
	if err := st.SetCredential("device-1", "old-access", "old-refresh"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := NewManager(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)))

	err := m.RefreshToken(context.Background(), true)
	if !errors.Is(err, retry.ErrNeedsLogin) {
		t.Fatalf("rejected refresh: got %v, want ErrNeedsLogin", err)
	}
	if _, ok := st.Credential(); ok {
		t.Fatal("credential survived an explicit rejection")
	}
	if !st.NeedLogin() {
		t.Fatal("need_login not set after rejection")
	}
	if m.State() != StateDeviceRegistered {
		t.Fatalf("state after rejection = %v, want device-registered", m.State())
	}
}

func TestRefreshTransientFailureKeepsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	st := newTestStore(t)
	if err := st.SetCredential("device-1", "old-access", "old-refresh"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := NewManager(api.New(st, api.WithBaseURL(api.VariantOld, srv.URL)))

	err := m.RefreshToken(context.Background(), true)
	if err == nil {
		t.Fatal("transient failure reported as success")
	}
	if errors.Is(err, retry.ErrNeedsLogin) {
		t.Fatal("transient failure misclassified as credential rejection")
	}
	if got := st.CompositeToken(); got != "old-access...old-refresh" {
		t.Fatalf("token after transient failure = %q, want old token kept", got)
	}
	if st.NeedLogin() {
		t.Fatal("need_login set by a transient failure")
	}
}
