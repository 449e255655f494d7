package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a run, case or artifact does not exist
var ErrNotFound = errors.New("not found")

// ValidationError reports a structurally invalid request. It is returned
// synchronously at submission; no run is created.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid run config: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
