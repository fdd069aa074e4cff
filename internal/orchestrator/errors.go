package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

var (
	ErrConfig             = errors.New("provider not configured")
	ErrGeneration         = errors.New("generation failed")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrClosed             = errors.New("orchestrator closed")
)

// ConfigError reports that the requested or default provider has no
// registered client.
type ConfigError struct {
	Provider provider.Identity
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s is not configured", e.Provider)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// GenerationError wraps a provider failure that was not recovered by
// failover.
type GenerationError struct {
	Provider provider.Identity
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation with %s failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

// Attempt is one provider call made while serving a request.
type Attempt struct {
	Provider provider.Identity
	Err      error
}

// AllProvidersFailedError lists every attempt, in order, when no candidate
// in the failover chain succeeded.
type AllProvidersFailedError struct {
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}
