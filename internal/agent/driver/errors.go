package driver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrConnectionLost is returned to callers whose request was in flight when
// the agent process died or closed its stdout.
var ErrConnectionLost = errors.New("agent connection lost")

// ErrNotReady is returned when an operation is attempted in the wrong state.
var ErrNotReady = errors.New("driver not ready")

// ProtocolError indicates a fatal protocol-level failure (malformed reply,
// version mismatch, initialize timeout). The driver transitions to DEAD.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SessionLockError is returned by LoadSession when the agent reports that
// another process holds the session's advisory file lock. HolderPID is the
// process id named in the error payload so the caller can probe liveness.
type SessionLockError struct {
	SessionID string
	HolderPID int
	Message   string
}

func (e *SessionLockError) Error() string {
	return fmt.Sprintf("session %s locked by pid %d: %s", e.SessionID, e.HolderPID, e.Message)
}

var lockPIDRe = regexp.MustCompile(`(?i)(?:pid[:=\s]+|process\s+)(\d+)`)

// parseLockHolder extracts a holder PID from a session/load error payload.
// Returns 0 when the error does not look like a lock conflict.
func parseLockHolder(msg string) int {
	m := lockPIDRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return pid
}
