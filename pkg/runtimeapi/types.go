// Package runtimeapi provides protocol constants and shared types for talking to
// the Lambda Runtime API and Extensions API from inside the sandbox.
package runtimeapi

import (
	"errors"
	"fmt"
)

// API versions and well-known paths.
const (
	// RuntimeAPIVersion is the path version segment of the Runtime API.
	RuntimeAPIVersion = "2018-06-01"
	// ExtensionAPIVersion is the path version segment of the Extensions API.
	ExtensionAPIVersion = "2020-01-01"

	// RegisterPath registers an extension with the Extensions API.
	RegisterPath = "/" + ExtensionAPIVersion + "/extension/register"
	// EventNextPath long-polls the next lifecycle event.
	EventNextPath = "/" + ExtensionAPIVersion + "/extension/event/next"
)

// Header names used by the Runtime and Extensions APIs.
const (
	HeaderRequestID           = "Lambda-Runtime-Aws-Request-Id"
	HeaderFunctionErrorType   = "Lambda-Runtime-Function-Error-Type"
	HeaderExtensionName       = "Lambda-Extension-Name"
	HeaderExtensionIdentifier = "Lambda-Extension-Identifier"
)

// EventType is a lifecycle event type delivered by the Extensions API.
type EventType string

const (
	// Invoke is a function invocation.
	Invoke EventType = "INVOKE"
	// Shutdown is a shutdown event for the execution environment.
	Shutdown EventType = "SHUTDOWN"
)

// InvocationNextPath returns the next-work path for a Runtime API version.
func InvocationNextPath(version string) string {
	return fmt.Sprintf("/%s/runtime/invocation/next", version)
}

// InvocationResponsePath returns the path that accepts a result for requestID.
func InvocationResponsePath(version, requestID string) string {
	return fmt.Sprintf("/%s/runtime/invocation/%s/response", version, requestID)
}

// InvocationErrorPath returns the path that accepts an error for requestID.
func InvocationErrorPath(version, requestID string) string {
	return fmt.Sprintf("/%s/runtime/invocation/%s/error", version, requestID)
}

var (
	// ErrMissingRuntimeAPI means neither runtime API endpoint variable was set.
	ErrMissingRuntimeAPI = errors.New("LRAP_RUNTIME_API_ENDPOINT or AWS_LAMBDA_RUNTIME_API not found")
	// ErrMissingRequestID means a next-work response carried no request id header.
	ErrMissingRequestID = errors.New("response missing '" + HeaderRequestID + "' header")
	// ErrMissingIdentifier means a registration response carried no identity header.
	ErrMissingIdentifier = errors.New("response missing '" + HeaderExtensionIdentifier + "' header")
	// ErrAlreadyRegistered means the extension attempted to register twice.
	ErrAlreadyRegistered = errors.New("extension already registered")
	// ErrNotRegistered means a lifecycle call was made before registration.
	ErrNotRegistered = errors.New("extension identifier not set")
)

// ContractError reports a violation of a contract the proxy depends on.
// It is never recoverable: the process must terminate.
type ContractError struct {
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation in %s: %v", e.Op, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a ContractError for op.
func Fatal(op string, err error) error {
	return &ContractError{Op: op, Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a ContractError.
func IsFatal(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}
