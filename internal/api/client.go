package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepchat/yuewen/internal/retry"
	"github.com/stepchat/yuewen/internal/store"
)

const (
	// DefaultTimeout covers ordinary request/response calls.
	DefaultTimeout = 30 * time.Second
	// StreamTimeout covers message streaming responses.
	StreamTimeout = 120 * time.Second
	// PollTimeout covers the image-generation long poll.
	PollTimeout = 180 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36 Edg/136.0.0.0"
)

// Client issues HTTP requests with the header/cookie dressing the remote
// expects. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	// streamClient has no client-level timeout; streaming calls are bounded
	// by their request context instead.
	streamClient *http.Client
	store        *store.Store
	baseURLs     map[Variant]string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client for ordinary calls.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithStreamClient sets a custom HTTP client for streaming calls.
func WithStreamClient(c *http.Client) Option {
	return func(client *Client) {
		client.streamClient = c
	}
}

// WithBaseURL overrides a variant's origin (tests point this at a local server).
func WithBaseURL(v Variant, url string) Option {
	return func(client *Client) {
		client.baseURLs[v] = url
	}
}

// New creates a client bound to the credential store.
func New(st *store.Store, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{},
		store:        st,
		baseURLs:     make(map[Variant]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns a variant's origin, honoring overrides.
func (c *Client) BaseURL(v Variant) string {
	if u, ok := c.baseURLs[v]; ok {
		return u
	}
	return v.BaseURL()
}

// Endpoint joins a variant's origin with a request path.
func (c *Client) Endpoint(v Variant, path string) string {
	return c.BaseURL(v) + path
}

// PassportEndpoint returns the full URL of a passport method. Device
// registration and the phone login flow always go through the old host; token
// refresh uses the active variant's host.
func (c *Client) PassportEndpoint(v Variant, method string) string {
	host := c.BaseURL(VariantOld)
	if method == MethodRefreshToken {
		host = c.BaseURL(v)
	}
	return host + PassportPath(method)
}

// Store returns the backing credential store.
func (c *Client) Store() *store.Store {
	return c.store
}

// Variant returns the active API variant from config.
func (c *Client) Variant() Variant {
	v, err := ParseVariant(c.store.Snapshot().APIVersion)
	if err != nil {
		return VariantOld
	}
	return v
}

// RequestOpts tweaks per-call header construction.
type RequestOpts struct {
	// Referer overrides the default "<base>/" referer.
	Referer string
	// OasisMode sets the oasis-mode header ("1" or "2", old variant calls).
	OasisMode string
	// AccessTokenOnly sends only the access half in the Oasis-Token cookie.
	// The passport login flow wants this; everything else, including token
	// refresh, sends the full composite token.
	AccessTokenOnly bool
	// WebID overrides the stored webid (device registration runs before a
	// webid exists and sends a bootstrap value instead).
	WebID string
	// ContentType overrides the application/json default.
	ContentType string
}

// Headers builds the common header set for a request against v, for callers
// that need to extend it (the raw upload PUT).
func (c *Client) Headers(v Variant, opts RequestOpts) http.Header {
	return c.headers(v, opts)
}

// headers builds the common header set for the active variant.
func (c *Client) headers(v Variant, opts RequestOpts) http.Header {
	cfg := c.store.Snapshot()
	base := c.BaseURL(v)

	h := http.Header{}
	h.Set("accept", "*/*")
	h.Set("accept-language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("cache-control", "no-cache")
	h.Set("pragma", "no-cache")
	h.Set("priority", "u=1, i")
	h.Set("user-agent", userAgent)
	h.Set("origin", base)
	if opts.Referer != "" {
		h.Set("referer", opts.Referer)
	} else {
		h.Set("referer", base+"/")
	}
	webID := cfg.WebID
	if opts.WebID != "" {
		webID = opts.WebID
	}
	h.Set("oasis-webid", webID)
	h.Set("oasis-appid", "10200")
	h.Set("oasis-platform", "web")
	h.Set("oasis-language", "zh")
	h.Set("connect-protocol-version", "1")
	h.Set("canary", "false")
	h.Set("x-waf-client-type", "fetch_sdk")
	if opts.ContentType != "" {
		h.Set("content-type", opts.ContentType)
	} else {
		h.Set("content-type", "application/json")
	}
	if opts.OasisMode != "" {
		h.Set("oasis-mode", opts.OasisMode)
	}
	if v == VariantOld {
		h.Set("x-rum-traceparent", traceparent())
		h.Set("x-rum-tracestate", tracestate())
	}

	var cookies []string
	if cfg.WebID != "" {
		cookies = append(cookies, "Oasis-Webid="+cfg.WebID)
	}
	if cfg.Token != "" {
		token := cfg.Token
		if opts.AccessTokenOnly {
			token, _ = store.SplitToken(token)
		}
		cookies = append(cookies, "Oasis-Token="+token)
	}
	cookies = append(cookies, "i18next=zh", "sidebar_state=false")
	h.Set("cookie", strings.Join(cookies, "; "))
	return h
}

// traceparent generates a W3C trace context id the old host's RUM expects.
func traceparent() string {
	traceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	spanID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("00-%s-%s-01", traceID, spanID)
}

func tracestate() string {
	return "yuewen@rsid=" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// PostJSON posts a JSON body and decodes a JSON response into out (which may
// be nil). Non-200 responses come back as *retry.HTTPError.
func (c *Client) PostJSON(ctx context.Context, v Variant, url string, body, out any, opts RequestOpts) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header = c.headers(v, opts)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// PostStream posts a pre-framed body and returns the live response for frame
// decoding. The response body is the caller's to close. The request context
// should carry the appropriate streaming deadline.
func (c *Client) PostStream(ctx context.Context, v Variant, url string, framed []byte, opts RequestOpts) (*http.Response, error) {
	if opts.ContentType == "" {
		opts.ContentType = "application/connect+json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(framed))
	if err != nil {
		return nil, err
	}
	req.Header = c.headers(v, opts)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &retry.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	return resp, nil
}

// Put issues a raw-body PUT (old-variant image upload) and decodes the JSON
// response into out.
func (c *Client) Put(ctx context.Context, v Variant, url string, body []byte, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = header
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// PostMultipart posts a multipart body (new-variant image upload).
func (c *Client) PostMultipart(ctx context.Context, v Variant, url, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header = c.headers(v, RequestOpts{ContentType: contentType})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
