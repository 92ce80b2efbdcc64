// Package errors provides custom error types for the canvas sync core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeProtocolFailure   ErrorCode = "PROTOCOL_FAILURE"
	ErrCodeMergeFailure      ErrorCode = "MERGE_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeResourceFailure   ErrorCode = "RESOURCE_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpConnect    Operation = "connect"
	OpSend       Operation = "send"
	OpReceive    Operation = "receive"
	OpApplyDelta Operation = "apply_delta"
	OpSnapshot   Operation = "snapshot"
	OpPersist    Operation = "persist"
	OpLoad       Operation = "load"
	OpBroadcast  Operation = "broadcast"
	OpRecover    Operation = "recover"
	OpClose      Operation = "close"
)

// SyncError represents an error that occurred inside the collaboration core
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport", "relay")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new transport-related SyncError. Transport loss is
// recoverable by design, so network errors are always retryable.
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewProtocolError creates a SyncError for malformed or oversized wire payloads.
// Protocol errors are never retryable: the offending frame is dropped whole.
func NewProtocolError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeProtocolFailure,
		Op:        op,
		Component: "wire",
		Err:       cause,
		Retryable: false,
	}
}

// NewMergeError creates a SyncError for replication merge failures.
func NewMergeError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeMergeFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "cache",
		Err:       cause,
		Retryable: true,
	}
}

// NewResourceError creates a SyncError for memory-pressure conditions.
func NewResourceError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeResourceFailure,
		Op:        op,
		Component: "viewport",
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// CodeOf returns the error code carried by err, or the empty code if err is
// not a SyncError.
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}
