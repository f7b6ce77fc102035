// Package auth drives the authentication lifecycle against the passport
// service: device registration, phone verification, sign-in, and rate-limited
// token refresh. State advances Unregistered → DeviceRegistered → CodeSent →
// SignedIn; a rejected credential falls back to DeviceRegistered and the flow
// restarts from the verification code.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stepchat/yuewen/internal/api"
	"github.com/stepchat/yuewen/internal/logging"
	"github.com/stepchat/yuewen/internal/retry"
	"github.com/stepchat/yuewen/internal/store"
)

// State is the position in the auth lifecycle.
type State int

const (
	StateUnregistered State = iota
	StateDeviceRegistered
	StateCodeSent
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateDeviceRegistered:
		return "device-registered"
	case StateCodeSent:
		return "code-sent"
	case StateSignedIn:
		return "signed-in"
	default:
		return "unknown"
	}
}

// RefreshInterval is the minimum spacing between non-forced refresh calls.
// Within the window an existing token is optimistically reused.
const RefreshInterval = 60 * time.Second

var (
	// ErrInvalidPhone rejects a phone number before any network call: the
	// remote only accepts 11-digit mainland numbers starting with 1.
	ErrInvalidPhone = errors.New("phone number must be 11 digits starting with 1")

	// ErrWrongState reports an operation attempted out of lifecycle order.
	ErrWrongState = errors.New("operation not valid in current auth state")
)

// bootstrapWebID is the fixed device id the registration call itself is made
// under, before the remote assigns a real one.
const bootstrapWebID = "8e2223012fadbac04d9cc1fcdc1d8b4eb8cc75a9"

// tokenPayload is the passport response shape shared by registration,
// sign-in and refresh.
type tokenPayload struct {
	Device struct {
		DeviceID string `json:"deviceID"`
	} `json:"device"`
	AccessToken struct {
		Raw string `json:"raw"`
	} `json:"accessToken"`
	RefreshToken struct {
		Raw string `json:"raw"`
	} `json:"refreshToken"`
}

// Manager owns the credential lifecycle for one account. All methods are safe
// for concurrent use; refresh and sign-in serialize on an internal lock so two
// conversations cannot race a refresh and clobber each other's token.
type Manager struct {
	mu      sync.Mutex
	client  *api.Client
	store   *store.Store
	limiter *rate.Limiter
	state   State
	phone   string
	log     *slog.Logger
}

// NewManager creates a manager, deriving the initial state from the store.
func NewManager(client *api.Client) *Manager {
	m := &Manager{
		client:  client,
		store:   client.Store(),
		limiter: rate.NewLimiter(rate.Every(RefreshInterval), 1),
		log:     logging.Auth(),
	}
	cfg := m.store.Snapshot()
	switch {
	case !cfg.NeedLogin && cfg.WebID != "":
		if _, ok := m.store.Credential(); ok {
			m.state = StateSignedIn
		} else {
			m.state = StateDeviceRegistered
		}
	case cfg.WebID != "":
		m.state = StateDeviceRegistered
	default:
		m.state = StateUnregistered
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NeedsLogin reports whether the full login flow must be (re)run.
func (m *Manager) NeedsLogin() bool {
	if m.store.NeedLogin() {
		return true
	}
	_, ok := m.store.Credential()
	return !ok
}

// RegisterDevice obtains a device id and an initial token pair. On failure
// the state stays Unregistered.
func (m *Manager) RegisterDevice(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.client.Variant()
	var payload tokenPayload
	err := m.client.PostJSON(ctx, v, m.client.PassportEndpoint(v, api.MethodRegisterDevice),
		map[string]any{}, &payload, api.RequestOpts{OasisMode: "1", WebID: bootstrapWebID})
	if err != nil {
		return fmt.Errorf("device registration failed: %w", err)
	}
	if payload.Device.DeviceID == "" || payload.AccessToken.Raw == "" || payload.RefreshToken.Raw == "" {
		return errors.New("device registration response missing device id or tokens")
	}

	if err := m.store.Update(func(c *store.Config) {
		c.WebID = payload.Device.DeviceID
		c.Token = store.JoinToken(payload.AccessToken.Raw, payload.RefreshToken.Raw)
	}); err != nil {
		m.log.Warn("device registered but config save failed", "error", err)
	}
	m.state = StateDeviceRegistered
	m.log.Info("device registered", "device_id", payload.Device.DeviceID)
	return nil
}

// SendVerificationCode dispatches an SMS code to phone. The number is
// validated locally first; an invalid number never reaches the network.
func (m *Manager) SendVerificationCode(ctx context.Context, phone string) error {
	if !ValidPhone(phone) {
		return ErrInvalidPhone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state < StateDeviceRegistered {
		return fmt.Errorf("%w: register the device first", ErrWrongState)
	}

	v := m.client.Variant()
	err := m.client.PostJSON(ctx, v, m.client.PassportEndpoint(v, api.MethodSendVerifyCode),
		map[string]string{"mobileCc": "86", "mobileNum": phone}, nil,
		api.RequestOpts{OasisMode: "1", AccessTokenOnly: true})
	if err != nil {
		return fmt.Errorf("verification code dispatch failed: %w", err)
	}

	// Held only for the sign-in step, never persisted.
	m.phone = phone
	m.state = StateCodeSent
	m.log.Info("verification code sent")
	return nil
}

// SignIn exchanges the SMS code for a credential. On failure the state drops
// back to DeviceRegistered and the flow restarts from the code request.
func (m *Manager) SignIn(ctx context.Context, phone, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCodeSent {
		return fmt.Errorf("%w: request a verification code first", ErrWrongState)
	}
	if phone == "" {
		phone = m.phone
	}

	v := m.client.Variant()
	var payload tokenPayload
	err := m.client.PostJSON(ctx, v, m.client.PassportEndpoint(v, api.MethodSignIn),
		map[string]string{"authCode": code, "mobileCc": "86", "mobileNum": phone}, &payload,
		api.RequestOpts{OasisMode: "1", AccessTokenOnly: true})
	if err != nil {
		m.state = StateDeviceRegistered
		m.phone = ""
		return fmt.Errorf("sign-in failed: %w", err)
	}
	if payload.AccessToken.Raw == "" || payload.RefreshToken.Raw == "" {
		m.state = StateDeviceRegistered
		m.phone = ""
		return errors.New("sign-in response missing tokens")
	}

	if err := m.store.SetCredential("", payload.AccessToken.Raw, payload.RefreshToken.Raw); err != nil {
		m.log.Warn("signed in but config save failed", "error", err)
	}
	m.phone = ""
	m.state = StateSignedIn
	m.log.Info("sign-in succeeded")
	return nil
}

// RefreshToken refreshes the token pair. Non-forced calls are rate limited to
// one per RefreshInterval; within the window an existing token is treated as
// still valid and the call is a no-op success. Only an explicit remote
// rejection of the token clears the credential (retry.ErrNeedsLogin); any
// transient failure leaves the current token in use.
func (m *Manager) RefreshToken(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.store.Snapshot()
	if cfg.WebID == "" {
		return fmt.Errorf("no registered device: %w", retry.ErrNeedsLogin)
	}

	if !force && !m.limiter.Allow() {
		if cfg.Token != "" {
			m.log.Debug("refresh within rate window, reusing current token")
			return nil
		}
		return fmt.Errorf("no token to reuse: %w", retry.ErrNeedsLogin)
	}

	v := m.client.Variant()
	var payload tokenPayload
	err := m.client.PostJSON(ctx, v, m.client.PassportEndpoint(v, api.MethodRefreshToken),
		map[string]any{}, &payload, api.RequestOpts{})
	if err != nil {
		var he *retry.HTTPError
		if errors.As(err, &he) && (he.Status == 401 || retry.TokenRejected(he.Body)) {
			m.log.Warn("token rejected by remote, login required")
			if cerr := m.store.ClearCredential(); cerr != nil {
				m.log.Warn("credential clear not persisted", "error", cerr)
			}
			m.state = StateDeviceRegistered
			return fmt.Errorf("token refresh rejected: %w", retry.ErrNeedsLogin)
		}
		// Transient: keep using the old token until the next successful
		// refresh.
		m.log.Warn("token refresh failed, keeping current token", "error", err)
		return fmt.Errorf("token refresh failed: %w", err)
	}
	if payload.AccessToken.Raw == "" || payload.RefreshToken.Raw == "" {
		m.log.Warn("refresh response missing tokens, keeping current token")
		return errors.New("refresh response missing tokens")
	}

	if err := m.store.SetCredential("", payload.AccessToken.Raw, payload.RefreshToken.Raw); err != nil {
		m.log.Warn("token refreshed but config save failed", "error", err)
	}
	m.store.MarkRefreshed(time.Now())
	m.state = StateSignedIn
	m.log.Info("token refreshed")
	return nil
}

// ValidPhone reports whether phone is an 11-digit number starting with 1.
func ValidPhone(phone string) bool {
	if len(phone) != 11 || phone[0] != '1' {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
