package backend

import (
	"fmt"
	"time"
)

// IntentError wraps a backend failure with the stack and the operation
// that was running, so multi-stack runs report which stack broke.
type IntentError struct {
	Stack string
	Op    string
	Err   error
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Stack, e.Err)
}

func (e *IntentError) Unwrap() error { return e.Err }

// WaitTimeoutError reports a service that did not reach its desired
// task count within the wait window.
type WaitTimeoutError struct {
	Service string
	Desired int
	Running int
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("service %s: %d/%d tasks running after %s", e.Service, e.Running, e.Desired, e.Timeout)
}
