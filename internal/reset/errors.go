package reset

import (
	"fmt"
	"strings"

	"github.com/basket/go-crew/internal/persistence"
)

// CategoryFailure is one category whose clear did not complete.
type CategoryFailure struct {
	Category persistence.Category
	Err      error
}

// PartialFailureError reports a reset where at least one category failed.
// Categories listed in Succeeded were cleared and stay cleared.
type PartialFailureError struct {
	Failures  []CategoryFailure
	Succeeded []persistence.Category
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Category, f.Err)
	}
	return fmt.Sprintf("reset failed for %d of %d categories: %s",
		len(e.Failures), len(e.Failures)+len(e.Succeeded), strings.Join(parts, "; "))
}

// Unwrap exposes every category cause to errors.Is and errors.As.
func (e *PartialFailureError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// Failed reports whether category c is among the failures.
func (e *PartialFailureError) Failed(c persistence.Category) bool {
	for _, f := range e.Failures {
		if f.Category == c {
			return true
		}
	}
	return false
}
