package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job id already exists")
	ErrInvalid  = errors.New("invalid job definition")
	ErrStorage  = errors.New("catalog storage failure")
)

// ValidationError describes the first invariant a definition violates.
// Index is -1 when the field is not inside a list.
type ValidationError struct {
	Index  int
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s[%d]: %s (got %v)", e.Field, e.Index, e.Reason, formatValue(e.Value))
	}
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Reason, formatValue(e.Value))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func formatValue(v any) any {
	if v == nil {
		return "null"
	}
	return v
}
