package optimizer

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed or missing input, surfaced immediately
// without retry.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return "validation: " + e.Msg }

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ErrRunInFlight is returned when a trigger arrives while the lab already has
// a running optimization. The second attempt is rejected, never run
// concurrently.
var ErrRunInFlight = errors.New("optimization already in flight for lab")

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
