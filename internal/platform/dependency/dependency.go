// Package dependency classifies failures of external collaborators (geo lookup, revocation cache,
// notification transport). Such failures are recovered locally and never surface as protocol errors.
package dependency

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks an error as coming from an unreachable or failing collaborator.
var ErrUnavailable = errors.New("dependency unavailable")

// Unavailable wraps err so that errors.Is(result, ErrUnavailable) holds. Returns nil if err is nil.
func Unavailable(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", name, ErrUnavailable, err)
}

// IsUnavailable reports whether err was produced by Unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
