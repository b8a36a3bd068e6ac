package apperr

import (
	"errors"
	"fmt"
)

// Sentinels for the extraction error taxonomy. Callers classify with
// errors.Is and wrap with %w so the original cause survives.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidTranscript     = errors.New("invalid transcript")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrLLMInvalidOutput      = errors.New("llm invalid output")
	ErrCitationFailure       = errors.New("citation failure")
	ErrDeliveryFailure       = errors.New("delivery failure")
	ErrCancelled             = errors.New("cancelled")
	ErrInternal              = errors.New("internal error")
)

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}

func Transcript(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidTranscript}, args...)...)
}

// Retryable reports whether the error class triggers automatic retries.
// Only dependency outages, unparsable model output, and citation failures
// are retried; everything else surfaces immediately.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrDependencyUnavailable),
		errors.Is(err, ErrLLMInvalidOutput),
		errors.Is(err, ErrCitationFailure):
		return true
	default:
		return false
	}
}
