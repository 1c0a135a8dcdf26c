package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Capability failures are classified into explicit variants so the
// orchestrator's branching is exhaustive: transient errors consume retry
// budget, permanent and validation errors fail the request immediately, and
// clarification is a non-failure outcome that halts the pipeline.

// TransientError marks a capability failure expected to succeed on retry
// (timeouts, 5xx-equivalents, network errors).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a capability failure retrying will not fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ValidationError is malformed or out-of-scope input. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// ClarificationError is not a failure: the query is ambiguous and the user
// must answer clarifying questions before a new request is submitted.
type ClarificationError struct {
	Questions []string
	Reasoning string
}

func (e *ClarificationError) Error() string {
	return fmt.Sprintf("clarification needed: %s", strings.Join(e.Questions, "; "))
}

func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	// A stage deadline expiring is a transient dependency failure.
	return errors.Is(err, context.DeadlineExceeded)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func AsClarification(err error) (*ClarificationError, bool) {
	var ce *ClarificationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
