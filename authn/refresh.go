package authn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshTimeout bounds the whole refresh round-trip.
const DefaultRefreshTimeout = 30 * time.Second

var (
	// ErrRefreshUnavailable wraps transport-level failures of the refresh
	// call: timeouts, connection errors, unreadable bodies.
	ErrRefreshUnavailable = errors.New("refresh endpoint unreachable")

	// ErrInvalidRefreshResponse means the server answered 2xx without a
	// usable token pair.
	ErrInvalidRefreshResponse = errors.New("invalid refresh response")
)

// Refresher exchanges a refresh token for a new token pair.
//
// Errors are classified by the caller: a *oauth2.RetrieveError carries a
// non-2xx response, ErrInvalidRefreshResponse a malformed success, anything
// else is treated as a network failure.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, login string) (*oauth2.Token, error)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Login        string `json:"login,omitempty"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// RefreshClient calls POST auth/refresh. Its http.Client must not be wired
// to an Authenticator, or a 401 from the refresh endpoint would recurse.
// It never retries: one call per expiry event.
type RefreshClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewRefreshClient targets baseURL + "auth/refresh". A nil httpClient gets a
// plain client with DefaultRefreshTimeout.
func NewRefreshClient(baseURL string, httpClient *http.Client) (*RefreshClient, error) {
	endpoint, err := url.JoinPath(baseURL, "auth", "refresh")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRefreshTimeout}
	}
	return &RefreshClient{endpoint: endpoint, httpClient: httpClient}, nil
}

// Endpoint returns the resolved refresh URL.
func (c *RefreshClient) Endpoint() string { return c.endpoint }

// Refresh sends the stored refresh token (and login, when known).
func (c *RefreshClient) Refresh(ctx context.Context, refreshToken, login string) (*oauth2.Token, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken, Login: login})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrRefreshUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	var pair tokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefreshResponse, err)
	}
	if err := validateTokenPair(pair); err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
	}, nil
}

func validateTokenPair(p tokenPair) error {
	if strings.TrimSpace(p.AccessToken) == "" {
		return fmt.Errorf("%w: access_token is empty", ErrInvalidRefreshResponse)
	}
	if strings.TrimSpace(p.RefreshToken) == "" {
		return fmt.Errorf("%w: refresh_token is empty", ErrInvalidRefreshResponse)
	}
	return nil
}
