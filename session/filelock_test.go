package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	lock, err := acquireFileLock(context.Background(), sessionFile)
	require.NoError(t, err)

	pid, err := os.ReadFile(sessionFile + ".lock")
	require.NoError(t, err)
	require.NotEmpty(t, pid)

	require.NoError(t, lock.release())
	require.NoFileExists(t, sessionFile+".lock")
	require.ErrorIs(t, lock.release(), os.ErrNotExist)
}

func TestReleaseLock_JoinsFailure(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")
	lock, err := acquireFileLock(context.Background(), sessionFile)
	require.NoError(t, err)
	require.NoError(t, lock.release())

	saveErr := errors.New("write failed")
	got := saveErr
	releaseLock(lock, &got)
	require.ErrorIs(t, got, saveErr)
	require.ErrorIs(t, got, os.ErrNotExist)
	require.Contains(t, got.Error(), "failed to release lock")

	var clean error
	lock, err = acquireFileLock(context.Background(), sessionFile)
	require.NoError(t, err)
	releaseLock(lock, &clean)
	require.NoError(t, clean)
}

func TestFileLock_MutualExclusion(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	const workers = 8
	var (
		holders atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				lock, err := acquireFileLock(context.Background(), sessionFile)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if holders.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				holders.Add(-1)
				if err := lock.release(); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.False(t, overlap.Load())
	require.NoFileExists(t, sessionFile+".lock")
}

func TestFileLock_TakesOverStaleLock(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")
	lockPath := sessionFile + ".lock"

	require.NoError(t, os.WriteFile(lockPath, []byte("4242"), 0o600))
	old := time.Now().Add(-lockStaleAfter - time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	lock, err := acquireFileLock(context.Background(), sessionFile)
	require.NoError(t, err)
	require.NoError(t, lock.release())
}

func TestFileLock_BlocksUntilReleased(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	held, err := acquireFileLock(context.Background(), sessionFile)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		lock, err := acquireFileLock(context.Background(), sessionFile)
		if err == nil {
			err = lock.release()
		}
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("lock acquired twice")
	case <-time.After(3 * lockRetryDelay):
	}

	require.NoError(t, held.release())

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never got the lock")
	}
}

func TestFileLock_GivesUpWithContext(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(sessionFile+".lock", nil, 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 3*lockRetryDelay)
	defer cancel()

	_, err := acquireFileLock(ctx, sessionFile)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.FileExists(t, sessionFile+".lock", "a live lock is left alone")
}

func BenchmarkFileLock(b *testing.B) {
	sessionFile := filepath.Join(b.TempDir(), "session.json")
	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		lock, err := acquireFileLock(ctx, sessionFile)
		if err != nil {
			b.Fatal(err)
		}
		if err := lock.release(); err != nil {
			b.Fatal(err)
		}
	}
}
