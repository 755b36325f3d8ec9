package engine

import "fmt"

// ValidationError rejects a request that is malformed before any commit is
// attempted: wrong change_type/path combination, bad key, archived project.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError is an expected, recoverable outcome: duplicate project key, a
// stale diff at apply time, or a proposal already out of PENDING. Callers
// retry with fresh data.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func conflictErrf(format string, args ...any) error {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}
