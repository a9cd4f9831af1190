package credstore

import (
	"context"
	"errors"
)

// Common errors returned by credential stores
var (
	// ErrNotFound indicates no credential has ever been saved. Callers must
	// treat this as "authorization required", not as a retryable failure.
	ErrNotFound = errors.New("credential not found")

	// ErrStoreUnavailable indicates every configured storage path failed
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// Reader is the read-only view of a storage path. The fast-cache side channel
// implements only this.
type Reader interface {
	// Load returns the current credential, or ErrNotFound if none was saved
	Load(ctx context.Context) (*Credential, error)
}

// Store defines the interface for authoritative credential storage
type Store interface {
	Reader

	// Save replaces the stored credential wholesale
	Save(ctx context.Context, cred *Credential) error

	// Delete removes the stored credential. Deleting an absent credential
	// is not an error.
	Delete(ctx context.Context) error

	// CheckHealth verifies the storage backend is reachable
	CheckHealth(ctx context.Context) error
}
