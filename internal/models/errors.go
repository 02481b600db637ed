package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable wraps metrics or cluster gateway failures and timeouts.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidTarget means the addressed resource does not exist. No policy was evaluated.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidRequest means the caller supplied malformed parameters.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrActionNotFound is returned for outcomes referencing an unknown action_id.
	ErrActionNotFound = errors.New("action not found")
	// ErrOutcomeExists is returned when an outcome was already attached.
	ErrOutcomeExists = errors.New("outcome already recorded")
)

// UpstreamError records which gateway failed. It matches both
// ErrUpstreamUnavailable and the underlying cause under errors.Is.
type UpstreamError struct {
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}

// Upstream wraps err as an UpstreamError for the named gateway.
func Upstream(name string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Upstream: name, Err: err}
}

// InvalidTarget builds an ErrInvalidTarget for the given reference.
func InvalidTarget(ref string) error {
	return fmt.Errorf("%w: %s not found", ErrInvalidTarget, ref)
}

// InvalidRequest builds an ErrInvalidRequest with a formatted reason.
func InvalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
