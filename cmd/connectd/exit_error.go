package main

import "fmt"

// exitError carries a process exit code out of a command. Silent errors
// have already been reported by the command itself.
type exitError struct {
	code   int
	err    error
	silent bool
}

func withExitCode(code int, err error) *exitError {
	return &exitError{code: code, err: err}
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}
