package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeConfigInvalid         ErrorType = "config_invalid"
	ErrorTypeNoModelAvailable      ErrorType = "no_model_available"
	ErrorTypeBackend               ErrorType = "backend"
	ErrorTypeHandoffBudgetExceeded ErrorType = "handoff_budget_exceeded"
	ErrorTypeAlertPersistence      ErrorType = "alert_persistence"
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeNotFound              ErrorType = "not_found"
	ErrorTypeInternal              ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is by comparing error types
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Never attach details to these;
// build a fresh error with NewDomainError instead.
var (
	ErrConfigInvalid         = NewDomainError(ErrorTypeConfigInvalid, "invalid policy document", nil)
	ErrNoModelAvailable      = NewDomainError(ErrorTypeNoModelAvailable, "no model available", nil)
	ErrBackend               = NewDomainError(ErrorTypeBackend, "backend error", nil)
	ErrHandoffBudgetExceeded = NewDomainError(ErrorTypeHandoffBudgetExceeded, "context exceeds token budget", nil)
	ErrAlertPersistence      = NewDomainError(ErrorTypeAlertPersistence, "monitor state persistence failed", nil)

	ErrInvalidInput         = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrEmptyPrompt          = NewDomainError(ErrorTypeValidation, "prompt cannot be empty", nil)
	ErrProviderNotSupported = NewDomainError(ErrorTypeValidation, "provider not supported", nil)

	ErrModelNotFound = NewDomainError(ErrorTypeNotFound, "model not found", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsConfigInvalidError checks if an error is a policy configuration error
func IsConfigInvalidError(err error) bool {
	return hasType(err, ErrorTypeConfigInvalid)
}

// IsNoModelAvailableError checks if an error reports an unresolvable model
func IsNoModelAvailableError(err error) bool {
	return hasType(err, ErrorTypeNoModelAvailable)
}

// IsBackendError checks if an error came from a model backend
func IsBackendError(err error) bool {
	return hasType(err, ErrorTypeBackend)
}

// IsHandoffBudgetExceededError checks if an error reports an over-budget context
func IsHandoffBudgetExceededError(err error) bool {
	return hasType(err, ErrorTypeHandoffBudgetExceeded)
}

// IsAlertPersistenceError checks if an error came from monitor state persistence
func IsAlertPersistenceError(err error) bool {
	return hasType(err, ErrorTypeAlertPersistence)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapBackend wraps a failure from a model backend
func WrapBackend(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeBackend, message, err)
}

// WrapPersistence wraps a monitor state load/save failure
func WrapPersistence(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeAlertPersistence, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
