package controller

import "fmt"

// LaunchError reports that the target could not be created in a restricted
// execution context. It is fatal to the session attempt and never retried
// automatically.
type LaunchError struct {
	Target string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Target, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
