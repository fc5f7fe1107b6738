package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	lockRetryDelay = 100 * time.Millisecond

	// lockStaleAfter must exceed the longest span a holder keeps the lock,
	// which is one refresh call plus the write that follows it.
	lockStaleAfter = 2 * time.Minute
)

// fileLock is a cross-process advisory lock: a sibling "<file>.lock" created
// with O_EXCL by whoever holds it.
type fileLock struct {
	path string
}

// acquireFileLock polls for the lock on filePath until it is free or ctx is
// done. A lock file that has not been touched for lockStaleAfter is taken
// over.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	path := filePath + ".lock"
	ticker := time.NewTicker(lockRetryDelay)
	defer ticker.Stop()

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			return &fileLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if stale(path) {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", path, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

func stale(path string) bool {
	info, err := os.Stat(path)
	return err == nil && time.Since(info.ModTime()) > lockStaleAfter
}

// release removes the lock file. Releasing twice reports the missing file.
func (l *fileLock) release() error {
	return os.Remove(l.path)
}
