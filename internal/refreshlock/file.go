package refreshlock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// lockRecord is the on-disk lease: who holds the lock and until when
type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileLocker implements Locker with an exclusively-created lock file for
// single-process development mode, pairing with the file credential store.
// O_CREATE|O_EXCL provides the conditional write; expiry is enforced by
// reading the record and removing stale locks.
type FileLocker struct {
	path  string
	owner string
	ttl   time.Duration
}

// NewFileLocker creates a file-backed refresh lock at path
func NewFileLocker(path string, ttl time.Duration) *FileLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileLocker{
		path:  path,
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

// Acquire attempts to create the lock file exclusively, removing any record
// whose expiry has passed first
func (l *FileLocker) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return false, fmt.Errorf("creating lock directory: %w", err)
	}

	// Two attempts: one against a possibly-stale record, one after removal
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			record := lockRecord{Owner: l.owner, ExpiresAt: time.Now().Add(l.ttl)}
			encErr := json.NewEncoder(f).Encode(record)
			closeErr := f.Close()
			if encErr != nil || closeErr != nil {
				_ = os.Remove(l.path)
				return false, fmt.Errorf("writing lock record: %w", firstErr(encErr, closeErr))
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("creating lock file: %w", err)
		}

		record, readErr := l.readRecord()
		if readErr == nil && time.Now().Before(record.ExpiresAt) {
			return false, nil // held and unexpired
		}

		// Expired or unreadable: treat as free and take it over
		if remErr := os.Remove(l.path); remErr != nil && !os.IsNotExist(remErr) {
			return false, fmt.Errorf("removing stale lock file: %w", remErr)
		}
	}

	return false, nil
}

// Release removes the lock file if this instance still owns it
func (l *FileLocker) Release(ctx context.Context) error {
	record, err := l.readRecord()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock record: %w", err)
	}

	if record.Owner != l.owner {
		return nil // expired and taken over; not ours to remove
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Owner exposes the lock owner identity for logging
func (l *FileLocker) Owner() string {
	return l.owner
}

func (l *FileLocker) readRecord() (lockRecord, error) {
	var record lockRecord
	data, err := os.ReadFile(l.path)
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, err
	}
	return record, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
