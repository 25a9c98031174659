package etl

import (
	"errors"
	"fmt"
	"strings"
)

// Sink error kinds. Compare with errors.Is.
var (
	ErrTransientConnection = errors.New("transient sink connection error")
	ErrSchemaMismatch      = errors.New("sink schema mismatch")
	ErrAuthentication      = errors.New("sink authentication failed")
)

// ParseError means a file's content could not be tokenized as JSON.
// The whole file is quarantined.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldError is a single failed type or presence check.
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Reason
}

// ValidationError lists every field of a record that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid invoice: " + strings.Join(parts, "; ")
}

// Messages returns one message per failed field.
func (e *ValidationError) Messages() []string {
	out := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.String()
	}
	return out
}

// HasField reports whether the named field failed.
func (e *ValidationError) HasField(name string) bool {
	for _, f := range e.Fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

// SinkError wraps a driver error with its classification.
type SinkError struct {
	Kind error
	Op   string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *SinkError) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientConnection)
}

// CheckpointIOError means durable progress could not be read or written.
// The pipeline cannot continue safely after one.
type CheckpointIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

// FatalError halts the coordinator. Claimed files stay unretired.
type FatalError struct {
	State State
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline halted in %s: %v", e.State, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
