package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the subsystem an AppError came from
type ErrorType string

const (
	ErrTypeStorage    ErrorType = "STORAGE"
	ErrTypeRegistry   ErrorType = "REGISTRY"
	ErrTypeDelivery   ErrorType = "DELIVERY"
	ErrTypeClassifier ErrorType = "CLASSIFIER"
	ErrTypeConfig     ErrorType = "CONFIG"
)

// AppError wraps a backend failure with the subsystem and context that
// produced it. Sentinels in the cause chain stay visible to errors.Is.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

func NewRegistryError(message string, cause error) *AppError {
	return NewAppError(ErrTypeRegistry, message, cause)
}

func NewDeliveryError(message string, cause error) *AppError {
	return NewAppError(ErrTypeDelivery, message, cause)
}

func NewClassifierError(message string, cause error) *AppError {
	return NewAppError(ErrTypeClassifier, message, cause)
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == errType
}
