// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel kinds. Wrapped errors keep these reachable through errors.Is.
var (
	ErrConfiguration     = stderrors.New("configuration error")
	ErrBridgeUnavailable = stderrors.New("tool bridge unavailable")
	ErrToolNotFound      = stderrors.New("tool not found")
	ErrToolExecution     = stderrors.New("tool execution failed")
	ErrDuplicateFunction = stderrors.New("duplicate function")
	ErrEmptyResponse     = stderrors.New("empty response")
	ErrAgentInvocation   = stderrors.New("agent invocation failed")
	ErrSessionEnded      = stderrors.New("session ended")
)

// ToolError reports a failed call of a named function.
type ToolError struct {
	Name   string
	Detail string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Name, e.Detail)
}

// Is makes a ToolError match ErrToolExecution.
func (e *ToolError) Is(target error) bool {
	return target == ErrToolExecution
}

// NotFound creates a formatted "not found" error
func NotFound(resource, id string) error {
	return fmt.Errorf("resource not found: %s with ID %s", resource, id)
}

// AlreadyExists creates a formatted "already exists" error
func AlreadyExists(resource, id string) error {
	return fmt.Errorf("resource already exists: %s with ID %s", resource, id)
}

// InvalidInput creates a formatted "invalid input" error
func InvalidInput(reason string) error {
	return fmt.Errorf("invalid input: %s", reason)
}

// Internal creates a formatted "internal error" error
func Internal(err error) error {
	return fmt.Errorf("internal error: %v", err)
}

// Configuration reports a missing or invalid setting.
func Configuration(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, reason)
}

// BridgeUnavailable reports that the tool provider cannot be reached.
// cause may be nil.
func BridgeUnavailable(reason string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrBridgeUnavailable, reason)
	}
	return fmt.Errorf("%w: %s: %w", ErrBridgeUnavailable, reason, cause)
}

// ToolNotFound reports a call to a name missing from the catalog.
func ToolNotFound(name string) error {
	return fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// ToolExecution creates a *ToolError for the named function.
func ToolExecution(name, detail string) error {
	return &ToolError{Name: name, Detail: detail}
}

// DuplicateFunction reports a second registration under an existing name.
func DuplicateFunction(name string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateFunction, name)
}

// SessionEnded reports use of a session after End.
func SessionEnded(id string) error {
	return fmt.Errorf("%w: %s", ErrSessionEnded, id)
}

// Is and As re-export the standard helpers so callers importing this
// package under the name errors keep them at hand.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
