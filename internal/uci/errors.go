package uci

import "fmt"

// StartupError means the engine process could not be executed or did not
// complete the UCI handshake. It is not tied to a particular job.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("engine startup: %v", e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// EngineError means a running engine crashed, closed its pipes or went
// silent past the watchdog. The session is unusable afterwards; callers
// shut it down and start a fresh one.
type EngineError struct {
	Reason string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("engine %s", e.Reason)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
