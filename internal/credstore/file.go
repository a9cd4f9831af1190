package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore implements Store against a local JSON file. It is the
// single-process development-mode backend, used when no durable network
// store is configured.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed credential store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the credential from disk
func (s *FileStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("unmarshaling credential file: %w", err)
	}

	return &cred, nil
}

// Save writes the credential to disk with owner-only permissions
func (s *FileStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}

	return nil
}

// Delete removes the credential file
func (s *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credential file: %w", err)
	}
	return nil
}

// CheckHealth verifies the credential directory is accessible
func (s *FileStore) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil // created lazily on first save
		}
		return fmt.Errorf("credential directory inaccessible: %w", err)
	}
	return nil
}
