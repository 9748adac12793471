package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse means the model produced no content at all.
	ErrEmptyResponse = errors.New("llm returned empty response")

	// ErrSchemaEcho means the model returned the JSON schema definition
	// instead of actual content, a known failure mode of JSON-object mode.
	ErrSchemaEcho = errors.New("llm returned the JSON schema instead of actual content")
)

// ValidationError reports model output that parsed as JSON but does not
// satisfy the response schema.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("llm output does not match %s: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
