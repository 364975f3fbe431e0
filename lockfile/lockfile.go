// Package lockfile implements the single-file advisory lock guarding a
// session location. The lock file carries the holder identity as
// "<hostname>:+<pid>" so a contending process can report who owns it.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrHeld is returned by TryLock when a live holder owns the lock.
var ErrHeld = errors.New("lockfile: already held")

// Lockfile is an advisory host lock. An empty path disables locking: TryLock
// succeeds without touching the filesystem.
type Lockfile struct {
	path   string
	locked bool
}

func (l *Lockfile) SetPath(path string) { l.path = path }

func (l *Lockfile) Path() string { return l.path }

// Identity returns this process's holder identity string.
func Identity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s:+%d", host, os.Getpid())
}

// TryLock attempts to take the lock. A stale lock left by a dead process on
// this host is displaced. Returns ErrHeld when a live holder owns the lock;
// any other error means the lock path is unusable.
func (l *Lockfile) TryLock() error {
	if l.path == "" {
		l.locked = true
		return nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(Identity())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(l.path)
				return werr
			}
			l.locked = true
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
		if attempt > 0 || !l.holderIsStale() {
			return ErrHeld
		}
		log.Debug().Str("path", l.path).Str("holder", l.LockedByAsString()).
			Msg("displacing stale session lock")
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return ErrHeld
}

// Unlock releases the lock if this Lockfile took it.
func (l *Lockfile) Unlock() {
	if !l.locked {
		return
	}
	l.locked = false
	if l.path != "" {
		os.Remove(l.path)
	}
}

// LockedBy reads the current holder identity from the lock file.
func (l *Lockfile) LockedBy() (host string, pid int, ok bool) {
	if l.path == "" {
		return "", 0, false
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", 0, false
	}
	return ParseIdentity(string(data))
}

// LockedByAsString renders the holder identity for error messages. An
// unreadable or malformed lock file renders as "<unknown>".
func (l *Lockfile) LockedByAsString() string {
	host, pid, ok := l.LockedBy()
	if !ok {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:+%d", host, pid)
}

// ParseIdentity splits a "<hostname>:+<pid>" holder string.
func ParseIdentity(s string) (host string, pid int, ok bool) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ":+")
	if idx < 0 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(s[idx+2:])
	if err != nil {
		return "", 0, false
	}
	return s[:idx], pid, true
}

// HolderIsStale reports whether the identity names a process on this host
// that no longer exists. Holders on other hosts are never considered stale.
func HolderIsStale(host string, pid int) bool {
	self, err := os.Hostname()
	if err != nil || host != self {
		return false
	}
	if pid == os.Getpid() {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return !alive
}

func (l *Lockfile) holderIsStale() bool {
	host, pid, ok := l.LockedBy()
	if !ok {
		// Unreadable or malformed lock files are left alone.
		return false
	}
	return HolderIsStale(host, pid)
}
