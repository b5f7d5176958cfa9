package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderFailed      = errors.New("provider failed")
	ErrBackendUnavailable  = errors.New("vector backend unavailable")
	ErrCancelled           = errors.New("cancelled")
	ErrAgentIterationCap   = errors.New("agent iteration cap exceeded")
	ErrConfigMissing       = errors.New("required configuration missing")
	ErrEmptyDocument       = errors.New("document contains no text")
	ErrInternal            = errors.New("internal error")
)

// ErrorKind is the stable name recorded in usage metrics and surfaced in
// API error envelopes.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindValidation          ErrorKind = "ValidationFailed"
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindProviderFailed      ErrorKind = "ProviderFailed"
	KindBackendUnavailable  ErrorKind = "BackendUnavailable"
	KindCancelled           ErrorKind = "Cancelled"
	KindAgentIterationCap   ErrorKind = "AgentIterationCap"
	KindConfigMissing       ErrorKind = "ConfigMissing"
	KindEmptyDocument       ErrorKind = "EmptyDocument"
	KindInternal            ErrorKind = "Internal"
)

// KindOf maps an error to its stable kind name.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrProviderFailed):
		return KindProviderFailed
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrAgentIterationCap):
		return KindAgentIterationCap
	case errors.Is(err, ErrConfigMissing):
		return KindConfigMissing
	case errors.Is(err, ErrEmptyDocument):
		return KindEmptyDocument
	default:
		return KindInternal
	}
}
