package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Backend kinds accepted by OpenBackend.
const (
	KindAuto   = ""
	KindFile   = "file"
	KindMemory = "memory"
	KindRedis  = "redis"
)

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Kind       string
	Profile    string
	Path       string
	Passphrase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// OpenBackend picks a Backend for cfg. With KindAuto the most capable
// backend available wins: redis when an address is configured and reachable,
// the encrypted file when a passphrase is configured, otherwise the plain
// file. An explicitly requested kind that cannot be opened is an error.
func OpenBackend(ctx context.Context, cfg BackendConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Profile == "" {
		cfg.Profile = "default"
	}

	switch strings.ToLower(cfg.Kind) {
	case KindMemory:
		return NewMemoryBackend(), nil

	case KindRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis store selected but no redis address configured")
		}
		return NewRedisBackend(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Profile:  cfg.Profile,
		})

	case KindFile:
		return openFileBackend(cfg)

	case KindAuto:
		if cfg.RedisAddr != "" {
			b, err := NewRedisBackend(ctx, RedisOptions{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				Profile:  cfg.Profile,
			})
			if err == nil {
				return b, nil
			}
			logger.Warn("redis unavailable, falling back to file store", "addr", cfg.RedisAddr, "error", err)
		}
		return openFileBackend(cfg)

	default:
		return nil, fmt.Errorf("unknown session store kind: %q", cfg.Kind)
	}
}

func openFileBackend(cfg BackendConfig) (Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("file store selected but no token file configured")
	}
	if cfg.Passphrase != "" {
		return NewEncryptedFileBackend(cfg.Path, cfg.Profile, cfg.Passphrase), nil
	}
	return NewFileBackend(cfg.Path, cfg.Profile), nil
}

// MemoryBackend keeps the session in process memory only. Stores opened on
// the same MemoryBackend share it.
type MemoryBackend struct {
	mu    sync.Mutex
	saved *Session
	gate  chan struct{}
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return nil, ErrNoSession
	}
	cp := *m.saved
	return &cp, nil
}

func (m *MemoryBackend) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.saved = &cp
	return nil
}

// Lock serializes holders across every Store sharing m.
func (m *MemoryBackend) Lock(ctx context.Context) (func() error, error) {
	m.mu.Lock()
	if m.gate == nil {
		m.gate = make(chan struct{}, 1)
	}
	gate := m.gate
	m.mu.Unlock()

	select {
	case gate <- struct{}{}:
		return func() error {
			<-gate
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemoryBackend) Close() error { return nil }
