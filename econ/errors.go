package econ

import "fmt"

// RejectedError reports that a single submitter's payload could not be
// applied. The caller drops that action and retries the quarter with the
// remainder instead of aborting the resolution.
type RejectedError struct {
	SubmitterID string
	Reason      string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("action rejected for %s: %s", e.SubmitterID, e.Reason)
}

func reject(submitterID, format string, args ...any) error {
	return &RejectedError{SubmitterID: submitterID, Reason: fmt.Sprintf(format, args...)}
}
