// Package authn implements the authenticated HTTP session layer: an
// http.RoundTripper that attaches the bearer token and, on 401, asks an
// Authenticator for a retry request after a single coordinated refresh.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "

	// DefaultMaxAttempts is the response chain length at which the
	// Authenticator stops retrying a logical request.
	DefaultMaxAttempts = 2

	// sharedLockGrace is added to the refresh timeout when waiting for
	// another process to finish its refresh.
	sharedLockGrace = 10 * time.Second
)

var (
	// ErrRefreshTokenExpired means the stored refresh token can never succeed
	// again. The session has been cleared.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

	// ErrNoRefreshToken means there is nothing to refresh with.
	ErrNoRefreshToken = errors.New("no refresh token stored")

	// ErrNoLogin means the backend requires the login alongside the refresh
	// token and none is stored.
	ErrNoLogin = errors.New("no login stored")

	errBodyNotReplayable = errors.New("request body cannot be replayed")
)

// TokenStore is the credential store contract the Authenticator relies on.
// Writes must be visible to every goroutine once they return.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	Login() string
	SaveTokens(access, refresh string) error
	ClearAll() error
}

// SharedStore is a TokenStore that other processes write to as well. Its
// lock is held from the reload through the refresh and the save.
type SharedStore interface {
	Lock(ctx context.Context) (unlock func(), err error)
	Reload(ctx context.Context) error
}

// Authenticator decides, for each 401, whether to retry and with which
// token. At most one refresh call is in flight per Authenticator; concurrent
// callers that lost the race replay with the winner's token.
type Authenticator struct {
	store          TokenStore
	refresher      Refresher
	lock           *fairLock
	logger         *slog.Logger
	metrics        *Metrics
	maxAttempts    int
	requireLogin   bool
	refreshTimeout time.Duration
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records every decision in m.
func WithMetrics(m *Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// WithRequireLogin makes a stored login mandatory for refreshing, for
// backends that validate it alongside the refresh token.
func WithRequireLogin(required bool) Option {
	return func(a *Authenticator) { a.requireLogin = required }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(a *Authenticator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.refreshTimeout = d
		}
	}
}

// NewAuthenticator returns an Authenticator over store and refresher.
func NewAuthenticator(store TokenStore, refresher Refresher, opts ...Option) *Authenticator {
	a := &Authenticator{
		store:          store,
		refresher:      refresher,
		lock:           newFairLock(),
		logger:         slog.Default(),
		maxAttempts:    DefaultMaxAttempts,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate is called with a 401 response. It returns the request to
// retry, or nil to surface the 401 to the caller. It never panics and never
// blocks longer than the failed request's context allows while waiting for a
// concurrent refresh.
func (a *Authenticator) Authenticate(failed *http.Response) *http.Request {
	if failed == nil || failed.Request == nil {
		return nil
	}
	req := failed.Request
	log := a.logger.With("method", req.Method, "url", req.URL.Redacted())

	if n := responseCount(failed); n >= a.maxAttempts {
		log.Warn("authenticate: too many retries, giving up", "attempts", n)
		a.metrics.observe(OutcomeDepthExceeded)
		return nil
	}

	if IsAuthEndpoint(req.URL.Path) {
		log.Warn("authenticate: 401 on auth endpoint, not retrying")
		a.metrics.observe(OutcomeAuthEndpoint)
		return nil
	}

	used := bearerToken(req)
	if current := a.store.AccessToken(); tokenChanged(used, current) {
		log.Info("authenticate: token already refreshed by another call, retrying with current token")
		return a.replay(failed, current, log)
	}

	if err := a.lock.lock(req.Context()); err != nil {
		log.Warn("authenticate: stopped waiting for refresh", "error", err)
		a.metrics.observe(OutcomeCanceled)
		return nil
	}
	defer a.lock.unlock()

	release, err := a.syncShared(req.Context(), log)
	if err != nil {
		log.Warn("authenticate: stopped waiting for shared store", "error", err)
		a.metrics.observe(OutcomeCanceled)
		return nil
	}
	defer release()

	if current := a.store.AccessToken(); tokenChanged(used, current) {
		log.Info("authenticate: token refreshed while waiting for lock, retrying")
		return a.replay(failed, current, log)
	}

	// Replayability is checked before spending the refresh: a request that
	// cannot be resent gains nothing from new tokens.
	if !replayable(req) {
		log.Warn("authenticate: request body cannot be replayed, not refreshing")
		a.metrics.observe(OutcomeNotReplayable)
		return nil
	}

	token, err := a.refreshLocked(req.Context(), log)
	if err != nil {
		return nil
	}

	log.Info("authenticate: refresh success, retrying original request")
	retry, err := rebuild(failed, token)
	if err != nil {
		log.Warn("authenticate: failed to rebuild request", "error", err)
		return nil
	}
	return retry
}

// Refresh runs one refresh unconditionally, under the same lock and result
// policy as Authenticate. On ErrRefreshTokenExpired the session is gone.
func (a *Authenticator) Refresh(ctx context.Context) error {
	if err := a.lock.lock(ctx); err != nil {
		return err
	}
	defer a.lock.unlock()

	release, err := a.syncShared(ctx, a.logger)
	if err != nil {
		return err
	}
	defer release()

	_, err = a.refreshLocked(ctx, a.logger)
	return err
}

// syncShared takes the cross-process lock of a SharedStore and reloads it, so
// the decision to refresh sees tokens rotated by another process. A lock
// that cannot be had for other reasons than ctx is skipped with a warning.
func (a *Authenticator) syncShared(ctx context.Context, log *slog.Logger) (func(), error) {
	shared, ok := a.store.(SharedStore)
	if !ok {
		return func() {}, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, a.refreshTimeout+sharedLockGrace)
	defer cancel()

	release, err := shared.Lock(lockCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("authenticate: shared store lock unavailable, continuing without it", "error", err)
		release = func() {}
	}

	if err := shared.Reload(ctx); err != nil {
		log.Warn("authenticate: failed to reload shared session", "error", err)
	}
	return release, nil
}

// refreshLocked performs the refresh call and applies its result to the
// store. The caller must hold a.lock.
func (a *Authenticator) refreshLocked(ctx context.Context, log *slog.Logger) (string, error) {
	refreshToken := strings.TrimSpace(a.store.RefreshToken())
	login := strings.TrimSpace(a.store.Login())

	if refreshToken == "" {
		log.Error("authenticate: no refresh token, cannot refresh")
		a.metrics.observe(OutcomeNoCredentials)
		return "", ErrNoRefreshToken
	}
	if a.requireLogin && login == "" {
		log.Error("authenticate: no login saved, cannot refresh")
		a.metrics.observe(OutcomeNoCredentials)
		return "", ErrNoLogin
	}

	// The call outlives a canceled caller: once the server has rotated the
	// pair, dropping the answer would strand the session.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshTimeout)
	defer cancel()

	log.Info("authenticate: refreshing tokens")
	tok, err := a.callRefresher(ctx, refreshToken, login)

	var retrieveErr *oauth2.RetrieveError
	switch {
	case err == nil:
		if saveErr := a.store.SaveTokens(tok.AccessToken, tok.RefreshToken); saveErr != nil {
			log.Warn("authenticate: refreshed tokens not persisted", "error", saveErr)
		}
		a.metrics.observe(OutcomeSuccess)
		return tok.AccessToken, nil

	case errors.Is(err, ErrInvalidRefreshResponse):
		log.Error("authenticate: refresh succeeded without a usable token pair, clearing session", "error", err)
		a.clear(log)
		a.metrics.observe(OutcomeInvalidResponse)
		return "", fmt.Errorf("%w: %w", ErrRefreshTokenExpired, err)

	case errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
		retrieveErr.Response.StatusCode == http.StatusUnauthorized:
		log.Error("authenticate: refresh rejected (401), clearing session")
		a.clear(log)
		a.metrics.observe(OutcomeRejected)
		return "", ErrRefreshTokenExpired

	case errors.As(err, &retrieveErr):
		log.Error("authenticate: refresh failed", "error", err)
		a.metrics.observe(OutcomeServerError)
		return "", fmt.Errorf("refresh failed: %w", err)

	default:
		log.Warn("authenticate: refresh network error", "error", err)
		a.metrics.observe(OutcomeNetworkError)
		return "", err
	}
}

// callRefresher converts a panic inside the refresher into a network-class
// error so it never unwinds through the transport.
func (a *Authenticator) callRefresher(ctx context.Context, refreshToken, login string) (tok *oauth2.Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			tok = nil
			err = fmt.Errorf("%w: refresh panicked: %v", ErrRefreshUnavailable, r)
		}
	}()

	tok, err = a.refresher.Refresh(ctx, refreshToken, login)
	if err == nil && tok == nil {
		err = fmt.Errorf("%w: empty result", ErrRefreshUnavailable)
	}
	return tok, err
}

func (a *Authenticator) clear(log *slog.Logger) {
	if err := a.store.ClearAll(); err != nil {
		log.Error("authenticate: failed to clear session", "error", err)
	}
}

func (a *Authenticator) replay(failed *http.Response, token string, log *slog.Logger) *http.Request {
	retry, err := rebuild(failed, token)
	if err != nil {
		log.Warn("authenticate: cannot replay request", "error", err)
		a.metrics.observe(OutcomeNotReplayable)
		return nil
	}
	a.metrics.observe(OutcomeReplayed)
	return retry
}

// rebuild copies the failed request with a new bearer token and a fresh body.
// The failed response is linked as the retry's prior response, which is how
// responseCount sees the chain.
func rebuild(failed *http.Response, token string) (*http.Request, error) {
	req := failed.Request
	if !replayable(req) {
		return nil, errBodyNotReplayable
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to reset request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(authHeader, bearerPrefix+token)
	retry.Response = failed
	return retry, nil
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// responseCount is 1 for the failed response plus one per earlier 401 in the
// same logical request. Unlike a plain count of the prior-response chain,
// redirect hops are skipped: net/http chains them too, and they are not
// authentication retries.
func responseCount(failed *http.Response) int {
	count := 1
	for prior := priorResponse(failed); prior != nil; prior = priorResponse(prior) {
		if prior.StatusCode == http.StatusUnauthorized {
			count++
		}
	}
	return count
}

func priorResponse(resp *http.Response) *http.Response {
	if resp.Request == nil {
		return nil
	}
	return resp.Request.Response
}

// bearerToken returns the token the request was sent with, or "".
func bearerToken(req *http.Request) string {
	h := req.Header.Get(authHeader)
	if !strings.HasPrefix(h, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// tokenChanged reports whether the store holds a usable token other than the
// one the failed request used.
func tokenChanged(used, current string) bool {
	current = strings.TrimSpace(current)
	return current != "" && current != used
}
