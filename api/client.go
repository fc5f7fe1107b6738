// Package api is a small client for the Pature backend. It expects an
// *http.Client whose transport already handles bearer tokens and refresh
// (see package authn); requests are retried on transient failures with
// go-httpretry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	retry "github.com/appleboy/go-httpretry"
)

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://api.belqax.xyz/"

// ErrForeignURL is returned when a path would leave the configured backend.
var ErrForeignURL = errors.New("path must be relative to the API base URL")

// SessionStore is the part of the credential store the client writes to.
type SessionStore interface {
	RefreshToken() string
	SaveTokens(access, refresh string) error
	SaveLogin(login string) error
	ClearAll() error
}

// Client talks to the backend.
type Client struct {
	baseURL *url.URL
	http    *retry.Client
	store   SessionStore
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a Client for baseURL sending requests through httpClient.
func NewClient(baseURL string, httpClient *http.Client, store SessionStore, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	rc, err := retry.NewBackgroundClient(retry.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	c := &Client{
		baseURL: u,
		http:    rc,
		store:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised base URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Get fetches path (relative to the base URL, query allowed) and returns the
// raw JSON body.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Me returns the current user's profile.
func (c *Client) Me(ctx context.Context) (json.RawMessage, error) {
	return c.Get(ctx, "users/me")
}

// MyAnimals returns the animals owned by the current user.
func (c *Client) MyAnimals(ctx context.Context) (json.RawMessage, error) {
	return c.Get(ctx, "animals/my")
}

func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, fmt.Errorf("%w: %s", ErrForeignURL, path)
	}
	ref.Path = strings.TrimLeft(ref.Path, "/")
	if strings.HasPrefix(ref.Path, "..") || strings.Contains(ref.Path, "/../") {
		return nil, fmt.Errorf("%w: %s", ErrForeignURL, path)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// do sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil). Non-2xx answers become *Error.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	target, err := c.resolve(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s: request failed: %w", method, target.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("api call", "method", method, "path", target.Path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
