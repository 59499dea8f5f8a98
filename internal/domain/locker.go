// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when another node already owns the destination.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is a held ownership lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker grants cluster wide ownership of a destination.
type Locker interface {
	// Lock must not block waiting for the holder; it returns ErrLockNotAcquired instead.
	Lock(ctx context.Context, name string) (Lock, error)
}
