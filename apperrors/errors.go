// Package apperrors classifies failures surfaced by the sync layer.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind defines different categories of errors
type Kind string

const (
	// KindConnection is a recoverable transport failure.
	KindConnection Kind = "CONNECTION"
	// KindCommandFailure is a command rejected by the remote side.
	KindCommandFailure Kind = "COMMAND_FAILURE"
	// KindSnapshotLoad is a failed snapshot fetch; the store keeps its last state.
	KindSnapshotLoad Kind = "SNAPSHOT_LOAD"
	// KindInvalidArgument is a programmer error at the call site.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
)

// AppError is the error type returned from store and transport surfaces.
type AppError struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Connection wraps a transport failure.
func Connection(op string, err error) error {
	return &AppError{Kind: KindConnection, Op: op, Err: err}
}

// CommandFailure wraps a rejected command.
func CommandFailure(op string, err error) error {
	return &AppError{Kind: KindCommandFailure, Op: op, Err: err}
}

// SnapshotLoad wraps a failed snapshot fetch.
func SnapshotLoad(op string, err error) error {
	return &AppError{Kind: KindSnapshotLoad, Op: op, Err: err}
}

// InvalidArgument reports a misuse of an API.
func InvalidArgument(op, format string, args ...any) error {
	return &AppError{Kind: KindInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first AppError in err's chain, or "".
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsConnection checks if an error is a transport failure
func IsConnection(err error) bool { return KindOf(err) == KindConnection }

// IsCommandFailure checks if an error is a rejected command
func IsCommandFailure(err error) bool { return KindOf(err) == KindCommandFailure }

// IsSnapshotLoad checks if an error is a failed snapshot fetch
func IsSnapshotLoad(err error) bool { return KindOf(err) == KindSnapshotLoad }

// IsInvalidArgument checks if an error is a programmer error
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }
