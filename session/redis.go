package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldAccess    = "access_token"
	fieldRefresh   = "refresh_token"
	fieldLogin     = "login"
	fieldDeviceID  = "device_id"
	fieldUpdatedAt = "updated_at"

	// redisLockTTL bounds how long a crashed holder blocks the others.
	redisLockTTL = lockStaleAfter
)

// unlockScript deletes the lock only if the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Profile  string
}

// RedisBackend stores the session as a single hash that several processes
// can share. All fields are written by one HSET, which redis applies
// atomically. Lock is a SET NX key next to the hash.
type RedisBackend struct {
	client  *redis.Client
	key     string
	lockKey string
}

// NewRedisBackend connects and pings redis.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisBackendFromClient(client, opts.Profile), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, profile string) *RedisBackend {
	if profile == "" {
		profile = "default"
	}
	key := "pature:session:" + profile
	return &RedisBackend{
		client:  client,
		key:     key,
		lockKey: key + ":lock",
	}
}

func (r *RedisBackend) Load(ctx context.Context) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoSession
	}

	s := &Session{
		AccessToken:  fields[fieldAccess],
		RefreshToken: fields[fieldRefresh],
		Login:        fields[fieldLogin],
		DeviceID:     fields[fieldDeviceID],
	}
	if ts := fields[fieldUpdatedAt]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.UpdatedAt = t
		}
	}
	return s, nil
}

func (r *RedisBackend) Save(ctx context.Context, s *Session) error {
	err := r.client.HSet(ctx, r.key,
		fieldAccess, s.AccessToken,
		fieldRefresh, s.RefreshToken,
		fieldLogin, s.Login,
		fieldDeviceID, s.DeviceID,
		fieldUpdatedAt, s.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to write session to redis: %w", err)
	}
	return nil
}

// Lock polls SET NX on the lock key until it is won or ctx is done.
func (r *RedisBackend) Lock(ctx context.Context) (func() error, error) {
	owner := uuid.NewString()
	ticker := time.NewTicker(lockRetryDelay)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, r.lockKey, owner, redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to take redis lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for redis lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := unlockScript.Run(ctx, r.client, []string{r.lockKey}, owner).Err(); err != nil {
			return fmt.Errorf("failed to release redis lock: %w", err)
		}
		return nil
	}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
