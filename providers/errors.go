package providers

import (
	"errors"
	"fmt"
)

// Sentinel errors for the dispatch error taxonomy. Providers wrap these so
// callers can classify failures with errors.Is.
var (
	// ErrProviderLoad means the named provider is not registered.
	ErrProviderLoad = errors.New("provider not registered")

	// ErrAuth means the downstream rejected the provider's credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrMessage means the downstream rejected the specific message as
	// malformed.
	ErrMessage = errors.New("message rejected")

	// ErrProvider is a generic provider runtime failure.
	ErrProvider = errors.New("provider error")

	// ErrTransport is a broker/TCP/HTTP I/O failure.
	ErrTransport = errors.New("transport error")

	// ErrTimeout is a transport timeout.
	ErrTimeout = errors.New("send timed out")
)

// ProviderError wraps a downstream failure with the provider name and the
// taxonomy kind it belongs to.
type ProviderError struct {
	Provider string
	Kind     error // one of the sentinels above
	Err      error // original cause
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches both the taxonomy kind and the original cause.
func (e *ProviderError) Is(target error) bool {
	return errors.Is(e.Kind, target) || errors.Is(e.Err, target)
}

// NewProviderError builds a ProviderError of the given kind.
func NewProviderError(provider string, kind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// AuthError reports a credentials failure for the provider.
func AuthError(provider string, err error) *ProviderError {
	return NewProviderError(provider, ErrAuth, err)
}

// MessageError reports a malformed-payload rejection for the provider.
func MessageError(provider string, err error) *ProviderError {
	return NewProviderError(provider, ErrMessage, err)
}

// RuntimeError reports a generic downstream failure for the provider.
func RuntimeError(provider string, err error) *ProviderError {
	return NewProviderError(provider, ErrProvider, err)
}
