package federation

import (
	"errors"
	"fmt"
)

// Failure taxonomy for the login round trip. Callers match with errors.Is.
var (
	ErrConfiguration            = errors.New("federation: unknown or unconfigured provider")
	ErrMissingAuthorizationCode = errors.New("federation: callback carried no authorization code")
	ErrInvalidOrExpiredState    = errors.New("federation: state invalid, expired or already used")
	ErrNetwork                  = errors.New("federation: provider unreachable")
	ErrProviderRejected         = errors.New("federation: provider rejected the request")
	ErrInvalidProfile           = errors.New("federation: provider profile could not be mapped")
)

// ProviderRejectedError carries the provider's own error detail. It matches
// ErrProviderRejected.
type ProviderRejectedError struct {
	Provider string
	Status   int
	Code     string
	Detail   string
}

func (e *ProviderRejectedError) Error() string {
	msg := fmt.Sprintf("federation: provider %s rejected the request", e.Provider)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ProviderRejectedError) Is(target error) bool {
	return target == ErrProviderRejected
}

// Retryable reports whether a fresh login attempt may succeed where this one
// failed. Only transport failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// OutcomeLabel names err's class for metrics and logs.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrMissingAuthorizationCode):
		return "missing_code"
	case errors.Is(err, ErrInvalidOrExpiredState):
		return "invalid_state"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrProviderRejected):
		return "rejected"
	case errors.Is(err, ErrInvalidProfile):
		return "invalid_profile"
	default:
		return "error"
	}
}

func networkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
}

func invalidProfile(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProfile, fmt.Sprintf(format, args...))
}
