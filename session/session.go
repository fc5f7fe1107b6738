// Package session holds the locally persisted authentication state of the
// Pature client: the access/refresh token pair, the account login they were
// issued for, and the per-install device identifier.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSession is returned by a Backend when nothing is stored for the profile.
	ErrNoSession = errors.New("no session stored")

	// ErrIncompleteTokens is returned by SaveTokens when either token is empty.
	ErrIncompleteTokens = errors.New("access and refresh token must both be set")
)

// persistTimeout bounds a single backend write issued from Store methods,
// which carry no context of their own.
const persistTimeout = 5 * time.Second

// Session is the unit of authentication state.
type Session struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Login        string    `json:"login,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Complete reports whether both tokens are present.
func (s Session) Complete() bool {
	return strings.TrimSpace(s.AccessToken) != "" && strings.TrimSpace(s.RefreshToken) != ""
}

// normalize drops a half-populated token pair. One token without the other
// is never usable, so it is treated as no session at all.
func (s Session) normalize() Session {
	if !s.Complete() {
		s.AccessToken = ""
		s.RefreshToken = ""
	}
	return s
}

// Backend persists a Session. Implementations must make a successful Save
// visible to the next Load from any process sharing the backend.
type Backend interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Close() error
}

// Locker is implemented by backends that other processes may share. The
// lock spans a read-decide-write sequence such as a token refresh.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// Store is the credential store used by the HTTP layer. Reads are served
// from an in-memory copy and every write goes through to the Backend before
// returning. Reload picks up writes made by other processes.
type Store struct {
	mu      sync.RWMutex
	cur     Session
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	// dirty is set while the backend is behind memory after a failed write.
	dirty bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the current session from backend and returns a Store over it.
// A missing session is not an error. A device id is generated and persisted
// on first use.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session: nil backend")
	}

	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	loaded, err := backend.Load(ctx)
	switch {
	case err == nil:
		s.cur = loaded.normalize()
	case errors.Is(err, ErrNoSession):
	default:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if s.cur.DeviceID == "" {
		s.cur.DeviceID = uuid.NewString()
		s.cur.UpdatedAt = s.now()
		if err := s.persist(ctx, s.cur); err != nil {
			return nil, fmt.Errorf("failed to persist device id: %w", err)
		}
	}

	return s, nil
}

// AccessToken returns the current access token, or "" when there is no session.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.AccessToken
}

// RefreshToken returns the current refresh token, or "" when there is no session.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.RefreshToken
}

// Login returns the account identifier the tokens were issued for.
func (s *Store) Login() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Login
}

// DeviceID returns the stable per-install identifier.
func (s *Store) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.DeviceID
}

// HasSession reports whether a complete token pair is stored.
func (s *Store) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Complete()
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// SaveTokens atomically replaces the token pair. The in-memory pair is
// updated even when persisting fails: a refresh token rotated by the server
// must not be thrown away because the disk is unwritable. The persistence
// error is still returned.
func (s *Store) SaveTokens(access, refresh string) error {
	if strings.TrimSpace(access) == "" || strings.TrimSpace(refresh) == "" {
		return ErrIncompleteTokens
	}
	return s.update(func(cur *Session) {
		cur.AccessToken = access
		cur.RefreshToken = refresh
	})
}

// SaveLogin records the account identifier used for the next refresh.
func (s *Store) SaveLogin(login string) error {
	return s.update(func(cur *Session) {
		cur.Login = login
	})
}

// ClearAll removes the tokens and the login. The device id is kept.
func (s *Store) ClearAll() error {
	return s.update(func(cur *Session) {
		cur.AccessToken = ""
		cur.RefreshToken = ""
		cur.Login = ""
	})
}

// Lock takes the backend's cross-process lock when it has one. Without one
// it returns at once. The returned func releases the lock.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	locker, ok := s.backend.(Locker)
	if !ok {
		return func() {}, nil
	}
	unlock, err := locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unlock(); err != nil {
			s.logger.Warn("session: failed to release store lock", "error", err)
		}
	}, nil
}

// Reload replaces the in-memory session with what the backend holds now.
// An empty backend means another process logged out. The device id is
// kept either way. If the last write failed, memory is newer than the
// backend and is written again instead.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		if err := s.persist(ctx, s.cur); err != nil {
			return fmt.Errorf("failed to persist session: %w", err)
		}
		s.dirty = false
		return nil
	}

	loaded, err := s.backend.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoSession):
		loaded = &Session{}
	default:
		return fmt.Errorf("failed to reload session: %w", err)
	}

	next := loaded.normalize()
	if next.DeviceID == "" {
		next.DeviceID = s.cur.DeviceID
	}
	s.cur = next
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) update(mutate func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	mutate(&next)
	next.UpdatedAt = s.now()
	s.cur = next

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.persist(ctx, next); err != nil {
		s.dirty = true
		s.logger.Warn("session: failed to persist session", "error", err)
		return fmt.Errorf("failed to persist session: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *Store) persist(ctx context.Context, snap Session) error {
	return s.backend.Save(ctx, &snap)
}
