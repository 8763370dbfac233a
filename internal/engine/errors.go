package engine

import "github.com/pkg/errors"

// Sentinel errors for the taxonomy in spec.md §7. Execution-kind failures
// transition the session to Errored internally and are not returned to the
// caller; SendAbortedError is the one exception that does propagate, so the
// Broadcast Runner can fail-fast on credential problems.
var (
	ErrStepGuardExceeded = errors.New("engine: step guard exceeded")
	ErrCycleDetected     = errors.New("engine: cycle detected")
	ErrGraphInvalid      = errors.New("engine: graph failed validation")
)

// SendAbortedError is raised when Transport classifies a send as a
// credential/authorization failure. The session remains on its current
// node so a retry after credential repair can resume it (spec.md §4.2,
// §7 "Credential").
type SendAbortedError struct {
	Cause error
}

func (e *SendAbortedError) Error() string { return "engine: send aborted: " + e.Cause.Error() }
func (e *SendAbortedError) Unwrap() error { return e.Cause }
