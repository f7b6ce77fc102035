// Package session manages the remote conversation session: lazy creation,
// idle expiry, variant exclusivity, and the old-variant server-side
// preference sync that runs after each new session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/logging"
	"github.com/stepchat/yuewen/internal/retry"
)

// IdleTimeout is how long a session may sit unused before the next message
// creates a fresh one.
const IdleTimeout = 180 * time.Second

// resultSuccess is the remote's success marker on preference calls.
const resultSuccess = "RESULT_CODE_SUCCESS"

// ErrNoSession reports that no session exists and none could be created.
var ErrNoSession = errors.New("no active session")

// Controller owns the current session id. A session id belongs to exactly
// one variant: switching variants discards it.
type Controller struct {
	mu       sync.Mutex
	client   *api.Client
	auth     retry.Refresher
	variant  api.Variant
	id       string
	lastUsed time.Time
	now      func() time.Time
	log      *slog.Logger
}

// NewController creates a controller. auth handles token refresh when a
// session call comes back unauthorized.
func NewController(client *api.Client, auth retry.Refresher) *Controller {
	return &Controller{
		client: client,
		auth:   auth,
		now:    time.Now,
		log:    logging.Session(),
	}
}

// Current returns the active session id, or "" when none is live.
func (c *Controller) Current() (api.Variant, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiredLocked() {
		return c.variant, ""
	}
	return c.variant, c.id
}

// Touch records message activity so the idle clock restarts.
func (c *Controller) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = c.now()
}

// Reset discards the current session; the next EnsureSession creates a new
// one. Used on breaker trips and by the explicit new-session command.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		c.log.Info("session discarded", "variant", c.variant, "session_id", c.id)
	}
	c.id = ""
	c.lastUsed = time.Time{}
}

// EnsureSession returns a live session id for the configured variant,
// creating one when none exists, when the variant changed, or when the
// previous session has been idle past IdleTimeout.
func (c *Controller) EnsureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.client.Variant()
	if c.id != "" && c.variant == v && !c.expiredLocked() {
		return c.id, nil
	}
	if c.id != "" && c.variant != v {
		c.log.Info("variant changed, discarding session", "old", c.variant, "new", v)
	}
	if c.id != "" && c.expiredLocked() {
		c.log.Info("session idle past timeout, recreating", "session_id", c.id)
	}
	c.id = ""

	var id string
	err := retry.Do(ctx, c.log, c.auth, func(ctx context.Context) error {
		var err error
		if v == api.VariantNew {
			id, err = c.createNew(ctx)
		} else {
			id, err = c.createOld(ctx)
		}
		return err
	})
	if err != nil {
		return "", err
	}

	c.variant = v
	c.id = id
	c.lastUsed = c.now()
	c.log.Info("session created", "variant", v, "session_id", id)

	if v == api.VariantOld {
		c.syncPreferences(ctx, id)
	}
	return id, nil
}

func (c *Controller) expiredLocked() bool {
	return !c.lastUsed.IsZero() && c.now().Sub(c.lastUsed) > IdleTimeout
}

// createOld creates an old-variant chat. The response id field name has
// varied over time; both spellings are accepted.
func (c *Controller) createOld(ctx context.Context) (string, error) {
	var resp struct {
		ID     string `json:"id"`
		ChatID string `json:"chatId"`
	}
	err := c.client.PostJSON(ctx, api.VariantOld,
		c.client.Endpoint(api.VariantOld, api.VariantOld.CreateSessionPath()),
		map[string]string{"chatName": "新会话"}, &resp,
		api.RequestOpts{OasisMode: "2"})
	if err != nil {
		return "", fmt.Errorf("chat creation failed: %w", err)
	}
	id := resp.ID
	if id == "" {
		id = resp.ChatID
	}
	if id == "" {
		return "", errors.New("chat creation response carries no id")
	}
	return id, nil
}

// createNew creates a new-variant chat session.
func (c *Controller) createNew(ctx context.Context) (string, error) {
	var resp struct {
		ChatSession struct {
			ChatSessionID string `json:"chatSessionId"`
		} `json:"chatSession"`
	}
	err := c.client.PostJSON(ctx, api.VariantNew,
		c.client.Endpoint(api.VariantNew, api.VariantNew.CreateSessionPath()),
		map[string]any{}, &resp,
		api.RequestOpts{OasisMode: "2"})
	if err != nil {
		return "", fmt.Errorf("chat session creation failed: %w", err)
	}
	if resp.ChatSession.ChatSessionID == "" {
		return "", errors.New("chat session creation response carries no id")
	}
	return resp.ChatSession.ChatSessionID, nil
}

// syncPreferences pushes the configured model and search flag to the server
// after an old-variant session is created. Failures are logged and tolerated;
// the session itself is usable either way.
func (c *Controller) syncPreferences(ctx context.Context, chatID string) {
	cfg := c.client.Store().Snapshot()
	if err := retry.Do(ctx, c.log, c.auth, func(ctx context.Context) error {
		return c.setPreference(ctx, chatID, api.SetModelPath,
			map[string]any{"modelId": cfg.ModelID})
	}); err != nil {
		c.log.Warn("model sync failed", "model_id", cfg.ModelID, "error", err)
	}
	if err := retry.Do(ctx, c.log, c.auth, func(ctx context.Context) error {
		return c.setPreference(ctx, chatID, api.EnableSearchPath,
			map[string]any{"enable": cfg.NetworkMode})
	}); err != nil {
		c.log.Warn("search sync failed", "enable", cfg.NetworkMode, "error", err)
	}
}

// SetModel switches the server-side model for the current old-variant chat.
func (c *Controller) SetModel(ctx context.Context, modelID int) error {
	return c.withOldSession(ctx, api.SetModelPath, map[string]any{"modelId": modelID})
}

// EnableSearch toggles web search for the current old-variant chat.
func (c *Controller) EnableSearch(ctx context.Context, enable bool) error {
	return c.withOldSession(ctx, api.EnableSearchPath, map[string]any{"enable": enable})
}

// EnableDeepThinking turns on the long-reasoning mode. Old variant only; the
// new variant carries the reasoning flag inside each message instead.
func (c *Controller) EnableDeepThinking(ctx context.Context) error {
	return c.withOldSession(ctx, api.DeepThinkingPath, map[string]any{"enable": true})
}

func (c *Controller) withOldSession(ctx context.Context, path string, body map[string]any) error {
	if c.client.Variant() != api.VariantOld {
		return errors.New("preference calls exist on the old variant only")
	}
	id, err := c.EnsureSession(ctx)
	if err != nil {
		return err
	}
	return retry.Do(ctx, c.log, c.auth, func(ctx context.Context) error {
		return c.setPreference(ctx, id, path, body)
	})
}

// setPreference posts a UserService preference call, which signals success in
// the body rather than the status code.
func (c *Controller) setPreference(ctx context.Context, chatID, path string, body map[string]any) error {
	var resp struct {
		Result string `json:"result"`
	}
	err := c.client.PostJSON(ctx, api.VariantOld,
		c.client.Endpoint(api.VariantOld, path), body, &resp,
		api.RequestOpts{
			OasisMode: "1",
			Referer:   c.client.BaseURL(api.VariantOld) + "/chats/" + chatID,
		})
	if err != nil {
		return err
	}
	if resp.Result != resultSuccess {
		return fmt.Errorf("preference call returned %q", resp.Result)
	}
	return nil
}
