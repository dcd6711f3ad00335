package main

import "fmt"

// CLIError is a user-facing failure that should exit 1 rather than
// panic or print a bare Go error — the counterpart of CLIException.
type CLIError struct {
	Msg   string
	Cause error
}

func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *CLIError) Unwrap() error { return e.Cause }
