package provider

import (
	"errors"
	"fmt"
)

// Error reports a failed call to a specific provider: network, auth, quota
// or a rejected call while the provider's circuit is open.
type Error struct {
	Provider   Identity
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *Error attributed to id. Errors that already carry
// provider attribution are returned unchanged.
func Wrap(id Identity, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: id, Err: err}
}
