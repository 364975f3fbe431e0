package session

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrBadState is returned for operations issued in the wrong lifecycle
	// state, such as changing the location of an enabled store.
	ErrBadState = errors.New("session: bad store state")

	// ErrLockPath is returned when the lock file location is unusable.
	ErrLockPath = errors.New("session: lock path unusable")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached or enumerated.
	ErrStorageUnavailable = errors.New("session: storage unavailable")
)

// LockHeldError is returned by Enable when another process holds the session
// lock. Holder carries the identity recorded by the owner.
type LockHeldError struct {
	Location string
	Holder   string
}

func (e *LockHeldError) Error() string {
	msg := fmt.Sprintf("Could not lock session directory: %q, held by %q.", e.Location, e.Holder)
	if os.Getpid() <= 10 {
		// Containers tend to run the daemon as an early pid with a random
		// hostname, which defeats stale lock detection.
		msg += "\nHint: use a consistent hostname so stale locks can be handled safely."
	}
	return msg
}
