package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Domain-specific error sentinel values
	ErrMalformedMessage   = errors.New("malformed SIP message")
	ErrInvalidSDP         = errors.New("invalid SDP offer")
	ErrUnknownChannel     = errors.New("unknown channel")
	ErrSessionNotFound    = errors.New("stream session not found")
	ErrSessionExists      = errors.New("stream session already exists")
	ErrTransport          = errors.New("transport send failure")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrSessionFailed      = errors.New("stream session failed")
	ErrMediaFailure       = errors.New("media engine failure")
	ErrCatalogNotReady    = errors.New("catalog not ready")
)

// Error represents a structured error with location and additional context
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional error code for categorization
	Code string
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: err,
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

func firstFieldMap(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	result.fields[key] = value
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := *e
	result.Code = code
	return &result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// NewMalformedMessage creates a new ErrMalformedMessage with additional context
func NewMalformedMessage(details string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrMalformedMessage,
		message:  fmt.Sprintf("malformed SIP message: %s", details),
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
		Code:     "MALFORMED_MESSAGE",
	}
}

// NewUnknownChannel creates a new ErrUnknownChannel with additional context
func NewUnknownChannel(channelID string, fields ...map[string]interface{}) *Error {
	fieldMap := firstFieldMap(fields)
	fieldMap["channel_id"] = channelID
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrUnknownChannel,
		message:  fmt.Sprintf("unknown channel: %s", channelID),
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     "UNKNOWN_CHANNEL",
	}
}

// NewInvalidSDP creates a new ErrInvalidSDP with additional context
func NewInvalidSDP(details string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrInvalidSDP,
		message:  fmt.Sprintf("invalid SDP offer: %s", details),
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
		Code:     "INVALID_SDP",
	}
}

// NewSessionNotFound creates a new ErrSessionNotFound with additional context
func NewSessionNotFound(callID string, fields ...map[string]interface{}) *Error {
	fieldMap := firstFieldMap(fields)
	fieldMap["call_id"] = callID
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: ErrSessionNotFound,
		message:  fmt.Sprintf("stream session not found: %s", callID),
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     "SESSION_NOT_FOUND",
	}
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
