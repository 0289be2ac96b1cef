package models

import (
	"errors"
	"fmt"
)

// ErrNotFound covers both a missing resource and a resource owned by someone
// else. The two are deliberately indistinguishable to callers.
var ErrNotFound = errors.New("not found")

// InvalidStateError is returned when a requested transition is not legal from
// the job's current status. It carries the current status for diagnostics.
type InvalidStateError struct {
	JobID   string
	Current JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s: transition not allowed from status %s", e.JobID, e.Current)
}

// IsInvalidState reports whether err is an InvalidStateError and returns it.
func IsInvalidState(err error) (*InvalidStateError, bool) {
	var ise *InvalidStateError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}
