package gateway

import (
	"errors"
	"fmt"
)

var ErrUnknownTable = errors.New("unknown table")

// ConnectionError reports that the database could not be opened or reached.
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", redactURI(e.URI), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectedError reports a statement refused by the read-only guard.
type RejectedError struct {
	Query  string
	Reason string
}

func (e *RejectedError) Error() string {
	return "query rejected: " + e.Reason
}

// ExecutionError wraps a failure raised by the database engine.
type ExecutionError struct {
	Query string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
