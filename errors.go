package batchmail

import (
	"errors"
	"fmt"

	"github.com/lattiq/batchmail/internal/core"
)

// Predefined sentinel errors for common cases.
var (
	// ErrInvalidConfiguration indicates invalid configuration. Every
	// *ValidationError matches it with errors.Is.
	ErrInvalidConfiguration = core.ErrInvalidConfiguration

	// ErrTemplateNotFound indicates a requested local template was not found.
	ErrTemplateNotFound = core.ErrTemplateNotFound

	// ErrTallyOverflow indicates an outcome arrived after every recipient was
	// already resolved.
	ErrTallyOverflow = errors.New("tally overflow: more outcomes than recipients")

	// ErrDispatcherClosed indicates the dispatcher has been closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrMissingGateway indicates a dispatcher was built without a send gateway.
	ErrMissingGateway = errors.New("send gateway is required")

	// ErrMissingSink indicates a dispatcher was built without a failure sink.
	ErrMissingSink = errors.New("failure sink is required")
)

// SendFailure is the cause attached to a failed outcome: the recipient plus
// whatever the gateway (or the run context) returned.
type SendFailure struct {
	// Email is the recipient the send was addressed to.
	Email string

	// Cause is the underlying gateway or context error.
	Cause error
}

// Error implements the error interface.
func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Email, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SendFailure) Unwrap() error {
	return e.Cause
}

// TemplateError represents an error in template processing.
type TemplateError struct {
	// Template is the name of the template that caused the error.
	Template string

	// Operation is the operation that failed (e.g., "parse", "render").
	Operation string

	// Message is the error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error in %s during %s: %s", e.Template, e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// NewTemplateError creates a new template error.
func NewTemplateError(template, operation, message string, cause error) *TemplateError {
	return &TemplateError{
		Template:  template,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsConfigurationError reports whether err stems from invalid configuration.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
