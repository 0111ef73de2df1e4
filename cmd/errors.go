package cmd

import "fmt"

// ExitError carries a process exit code out of a command's RunE without
// cobra printing its own "Error:" line twice.
type ExitError struct {
	Exit int
}

func newExitError(exit int) error {
	return &ExitError{Exit: exit}
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d", e.Exit)
}
