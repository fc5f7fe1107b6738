package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// fileDocument is the on-disk layout: one entry per profile so several
// backends (or API hosts) can share a file.
type fileDocument struct {
	Sessions map[string]json.RawMessage `json:"sessions"`
}

// sealer turns a marshalled Session into the bytes stored for a profile and back.
type sealer interface {
	seal(plain []byte) ([]byte, error)
	open(stored []byte) ([]byte, error)
}

// FileBackend stores sessions in a JSON file guarded by a lock file and
// replaced atomically on every write.
type FileBackend struct {
	path    string
	profile string
	sealer  sealer

	mu   sync.Mutex
	held *fileLock // set while Lock is held
}

// NewFileBackend stores the session for profile in path as plain JSON.
func NewFileBackend(path, profile string) *FileBackend {
	return &FileBackend{path: path, profile: profile}
}

// Path returns the session file location.
func (f *FileBackend) Path() string { return f.path }

// Encrypted reports whether entries are sealed.
func (f *FileBackend) Encrypted() bool { return f.sealer != nil }

func (f *FileBackend) Load(_ context.Context) (*Session, error) {
	doc, err := f.readDocument()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, err
	}

	raw, ok := doc.Sessions[f.profile]
	if !ok {
		return nil, ErrNoSession
	}

	if f.sealer != nil {
		var sealed []byte
		if err := json.Unmarshal(raw, &sealed); err != nil {
			return nil, fmt.Errorf("failed to parse sealed session: %w", err)
		}
		if raw, err = f.sealer.open(sealed); err != nil {
			return nil, err
		}
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session for profile %s: %w", f.profile, err)
	}
	return &s, nil
}

// Lock takes the cross-process lock on the session file until unlock is
// called. Saves made through f while it is held reuse it.
func (f *FileBackend) Lock(ctx context.Context) (func() error, error) {
	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.held = lock
	f.mu.Unlock()

	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.held != lock {
			return nil
		}
		f.held = nil
		return lock.release()
	}, nil
}

// Save merges the session into the file, keeping other profiles intact.
func (f *FileBackend) Save(ctx context.Context, s *Session) (err error) {
	f.mu.Lock()
	if f.held != nil {
		defer f.mu.Unlock()
		return f.write(s)
	}
	f.mu.Unlock()

	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(lock, &err)

	return f.write(s)
}

// releaseLock releases l and joins a failure into *err.
func releaseLock(l *fileLock, err *error) {
	if releaseErr := l.release(); releaseErr != nil {
		*err = errors.Join(*err, fmt.Errorf("failed to release lock: %w", releaseErr))
	}
}

// write replaces the file. The caller holds the lock.
func (f *FileBackend) write(s *Session) error {
	// An unreadable file is replaced rather than blocking the write forever.
	doc, err := f.readDocument()
	if err != nil {
		doc = &fileDocument{}
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]json.RawMessage)
	}

	entry, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if f.sealer != nil {
		sealed, err := f.sealer.seal(entry)
		if err != nil {
			return err
		}
		if entry, err = json.Marshal(sealed); err != nil {
			return err
		}
	}
	doc.Sessions[f.profile] = entry

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) readDocument() (*fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &doc, nil
}
