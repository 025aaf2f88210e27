package core

import (
	"errors"
	"fmt"

	"projecthub.io/assistant/internal/store"
)

var (
	// ErrConfiguration means the operator must fix setup (e.g. no default persona).
	ErrConfiguration = errors.New("configuration error")
	// ErrPersonaNotFound is returned when an explicit persona id does not resolve.
	ErrPersonaNotFound = store.ErrPersonaNotFound
	// ErrInvalidInput marks caller mistakes such as an empty question or an unknown rating.
	ErrInvalidInput = errors.New("invalid input")

	ErrSQLGeneration      = errors.New("sql generation failed")
	ErrUnsafeSQL          = errors.New("unsafe sql rejected")
	ErrQueryTimeout       = errors.New("query timed out")
	ErrQueryExecution     = errors.New("query execution failed")
	ErrAnalysisGeneration = errors.New("analysis generation failed")

	ErrTurnNotFound = store.ErrTurnNotFound
)

// UnsafeSQLError carries the guard's reason for rejecting a statement.
type UnsafeSQLError struct {
	Reason string
}

func (e *UnsafeSQLError) Error() string {
	return fmt.Sprintf("unsafe sql rejected: %s", e.Reason)
}

func (e *UnsafeSQLError) Unwrap() error {
	return ErrUnsafeSQL
}

func rejectf(format string, args ...any) error {
	return &UnsafeSQLError{Reason: fmt.Sprintf(format, args...)}
}

// UserMessage turns a pipeline error into the text stored on the turn and
// shown to the user. Driver and provider details never appear in it.
func UserMessage(err error) string {
	var unsafe *UnsafeSQLError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unsafe):
		return "The generated query was blocked by the safety policy (" + unsafe.Reason + "). Please rephrase the question."
	case errors.Is(err, ErrSQLGeneration):
		return "I could not turn that question into a data query. Please rephrase it or name the data you need."
	case errors.Is(err, ErrQueryTimeout):
		return "The data query took too long and was stopped. Try narrowing the question, for example to one project or period."
	case errors.Is(err, ErrQueryExecution):
		var qe *QueryError
		if errors.As(err, &qe) && qe.Public != "" {
			return "The data query failed: " + qe.Public + "."
		}
		return "The data query failed. Please rephrase the question."
	case errors.Is(err, ErrAnalysisGeneration):
		return "The answer could not be written up, showing the raw result instead."
	default:
		return "Something went wrong while answering. Please try again."
	}
}

// QueryError is an execution failure with a sanitized public description.
type QueryError struct {
	Public string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%v: %s", ErrQueryExecution, e.Public)
}

func (e *QueryError) Unwrap() []error {
	return []error{ErrQueryExecution, e.Err}
}
