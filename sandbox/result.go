package sandbox

import "time"

// NoTimeout disables the execution deadline when used as a timeout value.
const NoTimeout time.Duration = -1

// ExecuteRequest represents the parameters for code execution
type ExecuteRequest struct {
	Code string
	Env  map[string]string
	// Timeout overrides the sandbox default when positive; NoTimeout disables it.
	Timeout time.Duration
}

// ExecuteResult represents the result of code execution
type ExecuteResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// OK reports whether the snippet exited with status zero in time.
func (r ExecuteResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Err returns an *ExecutionError for failed runs and nil otherwise.
func (r ExecuteResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ExecutionError{ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// String renders the result as a single text value: stdout on success,
// "Error (exit code N): <stderr>" otherwise. Callers that need to tell the
// two apart should use OK or Err instead.
func (r ExecuteResult) String() string {
	if err := r.Err(); err != nil {
		return err.Error()
	}
	return r.Stdout
}
