package pipeline

import (
	"errors"
	"fmt"
)

// ErrConcurrentUpdate is returned when a conversation write keeps losing to
// concurrent writers after the configured number of retries.
var ErrConcurrentUpdate = errors.New("concurrent conversation update")

// ValidationError reports a malformed request before any pipeline stage runs.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// PipelineError wraps a stage failure with the stage that produced it.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
