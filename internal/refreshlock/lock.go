// Package refreshlock implements the short-lived lease that serializes
// credential refresh attempts across independent process instances. At most
// one unexpired lock exists at a time; an expired lock is free for anyone to
// take, so a crashed owner never blocks refresh for longer than the TTL.
package refreshlock

import "context"

// Locker is the mutual-exclusion primitive backing the refresh path. Acquire
// is a conditional write: it succeeds only if no unexpired lock exists.
type Locker interface {
	// Acquire attempts to take the lock. It returns false when another
	// owner currently holds an unexpired lock. A timed-out attempt is
	// reported as busy, not as an error.
	Acquire(ctx context.Context) (bool, error)

	// Release frees the lock if this instance still owns it. Releasing a
	// lock that expired and was taken over by another owner is a no-op.
	Release(ctx context.Context) error
}
