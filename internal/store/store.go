// Package store persists the engine's credentials and preferences to a TOML
// file. The on-disk layout is shared with prior deployments, so key names and
// the composite token format are fixed: the access and refresh tokens are
// stored as a single opaque string joined by a literal "..." separator.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/stepchat/yuewen/internal/fileutil"
	"github.com/stepchat/yuewen/internal/logging"
)

const (
	// ConfigFileName is the name of the config file under the config root.
	ConfigFileName = "config.toml"

	// ConfigEnv overrides the config file location.
	ConfigEnv = "YUEWEN_CONFIG"

	// tokenSeparator joins the access and refresh halves of the stored token.
	tokenSeparator = "..."

	// saveAttempts bounds how many times a failed save is retried.
	saveAttempts = 3
)

// ErrPersistence reports that the config file could not be written. The
// in-memory state is still authoritative; callers keep operating on it.
var ErrPersistence = errors.New("config persistence failed")

// ImageConfig holds the image-recognition preferences.
type ImageConfig struct {
	Prompt  string `toml:"imgprompt"`
	Trigger string `toml:"trigger"`
}

// Config is the persisted state. Field tags match the historical file format
// and must not change.
type Config struct {
	NeedLogin     bool        `toml:"need_login"`
	WebID         string      `toml:"oasis_webid"`
	Token         string      `toml:"oasis_token"`
	ModelID       int         `toml:"current_model_id"`
	NetworkMode   bool        `toml:"network_mode"`
	TriggerPrefix string      `toml:"trigger_prefix"`
	APIVersion    string      `toml:"api_version"`
	Image         ImageConfig `toml:"image_config"`
}

// fileConfig wraps Config in the top-level table the historical file uses.
type fileConfig struct {
	Yuewen Config `toml:"yuewen"`
}

// DefaultConfig returns the defaults applied when no config file exists.
func DefaultConfig() Config {
	return Config{
		NeedLogin:     true,
		ModelID:       6,
		NetworkMode:   true,
		TriggerPrefix: "yw",
		APIVersion:    "old",
		Image: ImageConfig{
			Prompt:  "解释下图片内容",
			Trigger: "识图",
		},
	}
}

// DefaultPath returns the config file path: the ConfigEnv override if set,
// otherwise <user config dir>/yuewen/config.toml.
func DefaultPath() (string, error) {
	if p := os.Getenv(ConfigEnv); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(base, "yuewen", ConfigFileName), nil
}

// Credential is the fully-present authentication state. Partial credentials
// are never returned; a missing half means re-authentication is required.
type Credential struct {
	WebID        string
	AccessToken  string
	RefreshToken string
}

// SplitToken splits a composite token on the FIRST "..." occurrence. Neither
// half has a fixed length. A token without the separator is treated as an
// access token with no refresh half.
func SplitToken(token string) (access, refresh string) {
	if i := strings.Index(token, tokenSeparator); i >= 0 {
		return token[:i], token[i+len(tokenSeparator):]
	}
	return token, ""
}

// JoinToken builds the composite token string.
func JoinToken(access, refresh string) string {
	return access + tokenSeparator + refresh
}

// Store is the mutex-guarded in-memory copy of the config file plus refresh
// bookkeeping. All methods are safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	path        string
	cfg         Config
	memoryOnly  bool
	lastRefresh time.Time
	log         *slog.Logger
}

// Open loads the config file at path, falling back to defaults when the file
// does not exist. A corrupt file is an error: silently resetting it would
// destroy the stored credential.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		cfg:  DefaultConfig(),
		log:  logging.Store(),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	s.applyLoaded(fc.Yuewen)
	return s, nil
}

// applyLoaded merges a loaded config over the defaults so that absent keys
// keep their default values.
func (s *Store) applyLoaded(loaded Config) {
	cfg := DefaultConfig()
	cfg.NeedLogin = loaded.NeedLogin
	cfg.WebID = loaded.WebID
	cfg.Token = loaded.Token
	if loaded.ModelID != 0 {
		cfg.ModelID = loaded.ModelID
	}
	cfg.NetworkMode = loaded.NetworkMode
	if loaded.TriggerPrefix != "" {
		cfg.TriggerPrefix = loaded.TriggerPrefix
	}
	if loaded.APIVersion != "" {
		cfg.APIVersion = loaded.APIVersion
	}
	if loaded.Image.Prompt != "" {
		cfg.Image.Prompt = loaded.Image.Prompt
	}
	if loaded.Image.Trigger != "" {
		cfg.Image.Trigger = loaded.Image.Trigger
	}
	s.cfg = cfg
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update applies fn to the config under the lock and then saves. The mutation
// always takes effect in memory; a save failure is reported as a wrapped
// ErrPersistence and the store degrades to memory-only operation.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
	return s.saveLocked()
}

// Save persists the current config with bounded retries.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := toml.Marshal(fileConfig{Yuewen: s.cfg})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersistence, err)
	}

	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if lastErr = fileutil.WriteFileAtomicBackup(s.path, data, 0o600); lastErr == nil {
			s.memoryOnly = false
			return nil
		}
		s.log.Warn("config save failed", "attempt", attempt+1, "error", lastErr)
	}

	s.memoryOnly = true
	s.log.Error("config save failed on all attempts, continuing in memory only", "path", s.path)
	return fmt.Errorf("%w: %v", ErrPersistence, lastErr)
}

// MemoryOnly reports whether the store has degraded to in-memory operation.
func (s *Store) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOnly
}

// Credential returns the stored credential. ok is false unless the webid and
// both token halves are all present.
func (s *Store) Credential() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access, refresh := SplitToken(s.cfg.Token)
	if s.cfg.WebID == "" || access == "" || refresh == "" {
		return Credential{}, false
	}
	return Credential{WebID: s.cfg.WebID, AccessToken: access, RefreshToken: refresh}, true
}

// CompositeToken returns the raw stored token string.
func (s *Store) CompositeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Token
}

// SetCredential replaces the token pair (and optionally the webid) and clears
// the need-login flag.
func (s *Store) SetCredential(webID, access, refresh string) error {
	return s.Update(func(c *Config) {
		if webID != "" {
			c.WebID = webID
		}
		c.Token = JoinToken(access, refresh)
		c.NeedLogin = false
	})
}

// ClearCredential wipes the token and flags that a fresh login is required.
func (s *Store) ClearCredential() error {
	return s.Update(func(c *Config) {
		c.Token = ""
		c.NeedLogin = true
	})
}

// NeedLogin reports whether a fresh login is required.
func (s *Store) NeedLogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.NeedLogin
}

// MarkRefreshed records a successful token refresh at now.
func (s *Store) MarkRefreshed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = now
}

// LastRefreshAt returns the time of the last successful token refresh.
func (s *Store) LastRefreshAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}
