package core

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"
)

var (
	// ErrTemplateNotFound indicates a requested local template was not registered.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrInvalidConfiguration is matched by every *ValidationError.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Provider defines the interface for mail-delivery gateways.
// Implementations handle provider-specific logic for sending one templated message.
// Send must be safe for concurrent use.
type Provider interface {
	// Send submits a single message using the provider's API.
	Send(ctx context.Context, msg *Message) (*SendResult, error)

	// ValidateConfig validates the provider configuration.
	// Returns an error if the configuration is invalid or incomplete.
	ValidateConfig() error

	// Name returns the provider's name for identification and logging.
	Name() string
}

// ProviderSettings represents configuration settings for mail providers.
type ProviderSettings map[string]string

// Get retrieves a configuration value by key.
func (ps ProviderSettings) Get(key string) string {
	return ps[key]
}

// Set sets a configuration value.
func (ps ProviderSettings) Set(key, value string) {
	ps[key] = value
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string `json:"name"`  // Display name (optional)
	Email string `json:"email"` // Email address (required)
}

// String returns the formatted email address.
// If Name is provided, returns "Name <email@domain.com>"
// Otherwise returns just "email@domain.com"
func (a Address) String() string {
	if a.Name != "" {
		return mime.QEncoding.Encode("UTF-8", a.Name) + " <" + a.Email + ">"
	}
	return a.Email
}

// Valid checks if the address has a valid email format.
func (a Address) Valid() bool {
	if a.Email == "" {
		return false
	}
	_, err := mail.ParseAddress(a.String())
	return err == nil
}

// Template variable keys every dispatched message carries.
const (
	VarSubject       = "subject"
	VarUnsubscribeID = "unsubscribeId"
)

// Message is one templated transactional email addressed to a single recipient.
type Message struct {
	From              Address           `json:"from"`
	To                Address           `json:"to"`
	Subject           string            `json:"subject"`
	TemplateID        string            `json:"template_id"`
	TemplateVariables map[string]any    `json:"template_variables"`
	Headers           map[string]string `json:"headers"`
}

// Validate checks that the message carries everything a gateway needs.
func (m *Message) Validate() error {
	if !m.From.Valid() {
		return &ValidationError{Field: "from", Message: "invalid or missing sender address"}
	}
	if strings.TrimSpace(m.To.Email) == "" {
		return &ValidationError{Field: "to", Message: "recipient address is required"}
	}
	if strings.TrimSpace(m.TemplateID) == "" {
		return &ValidationError{Field: "template_id", Message: "template id is required"}
	}
	return nil
}

// Variable returns a template variable rendered as a string.
func (m *Message) Variable(key string) string {
	v, ok := m.TemplateVariables[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Recipient is one target address plus its unsubscribe token.
type Recipient struct {
	Email         string `json:"email"`
	UnsubscribeID string `json:"unsubscribe_id"`
}

// FailureRecord is what gets persisted for a failed send so it can be retried later.
type FailureRecord struct {
	Email         string `json:"email"`
	UnsubscribeID string `json:"unsubscribe_id"`
}

// FailureFor returns the failure record for a recipient.
func FailureFor(r Recipient) FailureRecord {
	return FailureRecord{Email: r.Email, UnsubscribeID: r.UnsubscribeID}
}

// NormalizeEmail lower-cases and trims an address for set membership checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ExclusionSet holds normalized addresses that must never be sent to.
// A nil set excludes nothing.
type ExclusionSet map[string]struct{}

// NewExclusionSet builds a set from raw addresses.
func NewExclusionSet(emails ...string) ExclusionSet {
	s := make(ExclusionSet, len(emails))
	for _, e := range emails {
		s.Add(e)
	}
	return s
}

// Add inserts an address. Blank addresses are ignored.
func (s ExclusionSet) Add(email string) {
	if n := NormalizeEmail(email); n != "" {
		s[n] = struct{}{}
	}
}

// Contains reports whether the address is excluded.
func (s ExclusionSet) Contains(email string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[NormalizeEmail(email)]
	return ok
}

// Len returns the number of excluded addresses.
func (s ExclusionSet) Len() int {
	return len(s)
}

// SendResult contains the result of sending a single email.
type SendResult struct {
	// MessageID is the unique identifier assigned by the provider.
	MessageID string

	// Provider is the name of the provider that sent the email.
	Provider string

	// Timestamp when the email was accepted by the provider.
	Timestamp time.Time

	// Metadata contains provider-specific information.
	Metadata map[string]interface{}
}

// ValidationError represents a validation error with specific field information.
type ValidationError struct {
	// Field is the name of the field that failed validation.
	Field string

	// Message is the validation error message.
	Message string

	// Value is the invalid value (optional).
	Value interface{}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error in %s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// Is implements error matching for errors.Is.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidConfiguration {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// ProviderError represents an error from a mail provider.
type ProviderError struct {
	// Provider is the name of the provider that generated the error.
	Provider string

	// Code is the provider-specific error code.
	Code string

	// Message is the error message from the provider.
	Message string

	// StatusCode is the HTTP status code (for HTTP-based providers).
	StatusCode int

	// IsRetryable indicates whether a later re-run could succeed.
	IsRetryable bool

	// Cause is the underlying error that caused this provider error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error [%s] (status: %d): %s",
			e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *ProviderError) Is(target error) bool {
	pe, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return e.Provider == pe.Provider && e.Code == pe.Code
}

// Retryable implements RetryableError for ProviderError.
func (e *ProviderError) Retryable() bool {
	return e.IsRetryable
}

// RetryableError interface indicates whether an error can be retried.
type RetryableError interface {
	Retryable() bool
}

// SourceReadError reports that an input list could not be read at all.
type SourceReadError struct {
	// Source names the list ("recipients" or "bounces").
	Source string

	// Path is where the list was read from.
	Path string

	// Cause is the underlying I/O error.
	Cause error
}

// Error implements the error interface.
func (e *SourceReadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to read %s from %s: %v", e.Source, e.Path, e.Cause)
	}
	return fmt.Sprintf("failed to read %s: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying error.
func (e *SourceReadError) Unwrap() error {
	return e.Cause
}

// MalformedRecordError reports a single row that could not be parsed.
type MalformedRecordError struct {
	// Line is the 1-based line number in the source, header included.
	Line int

	// Reason describes what was wrong with the row.
	Reason string
}

// Error implements the error interface.
func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record on line %d: %s", e.Line, e.Reason)
}

// Constructor functions for errors

// NewProviderError creates a new provider error.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  message,
	}
}

// NewRetryableProviderError creates a new retryable provider error.
func NewRetryableProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:    provider,
		Code:        code,
		Message:     message,
		IsRetryable: true,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewValidationErrorWithValue creates a new validation error with a value.
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	return false
}
