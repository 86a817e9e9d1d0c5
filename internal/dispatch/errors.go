package dispatch

import (
	"errors"
	"fmt"

	"MailRun/internal/assets"
)

var (
	// ErrRunNotQueued is logged when another execution already owns the run.
	ErrRunNotQueued = errors.New("run is not queued")
	ErrInvalidInput = errors.New("invalid input")
)

// RejectedError is returned when a cancel or retry does not apply to the
// run's current state.
type RejectedError struct {
	Op     string
	RunID  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s run %s rejected: %s", e.Op, e.RunID, e.Reason)
}

// MissingAssetsError lists the content-ids a message references but the
// template's asset directory does not hold.
type MissingAssetsError struct {
	Tokens []string
}

func (e *MissingAssetsError) Error() string {
	return assets.MissingMessage(e.Tokens)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
