package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorType represents the classification of errors for retry logic
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
	// ErrorTypeAuth - credential errors; retried once after a forced token refresh
	ErrorTypeAuth
)

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	RetryAfter int    // Seconds to wait before retry (from Retry-After header)
	StatusCode int    // HTTP status code if applicable
	Message    string // Operator-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // Operator-friendly message
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// AuthError represents a rejected credential (401/403). The dispatcher
// responds by forcing a token refresh and retrying the reaction once.
type AuthError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// InvalidConfigError marks an automation config that fails its schema.
// It is permanent: re-running the same config cannot succeed.
type InvalidConfigError struct {
	Err     error
	Field   string
	Message string
}

func (e *InvalidConfigError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid config field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid config: %v", e.Err)
}

func (e *InvalidConfigError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}

	var invalidErr *InvalidConfigError
	if errors.As(err, &invalidErr) {
		return false
	}

	// Network errors (connection refused, timeout, etc.)
	if isNetworkError(err) {
		return true
	}

	// Syscall errors
	if isSyscallError(err) {
		return true
	}

	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}

	var invalidErr *InvalidConfigError
	if errors.As(err, &invalidErr) {
		return true
	}

	return false
}

// IsAuth checks if an error is a credential rejection
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsInvalidConfig checks if an error is a config schema violation
func IsInvalidConfig(err error) bool {
	var invalidErr *InvalidConfigError
	return errors.As(err, &invalidErr)
}

// GetErrorType classifies an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	if IsAuth(err) {
		return ErrorTypeAuth
	}

	if IsPermanent(err) {
		return ErrorTypePermanent
	}

	if IsTransient(err) {
		return ErrorTypeTransient
	}

	// Unclassified errors retry within the bounded budget rather than
	// failing outright; the dead letter path caps the damage.
	return ErrorTypeTransient
}

// FromHTTPStatus converts an upstream HTTP response into a typed error.
// 2xx codes return nil.
func FromHTTPStatus(statusCode int, op string, body string) error {
	if statusCode < 400 {
		return nil
	}

	base := fmt.Errorf("%s: status %d", op, statusCode)
	if body != "" {
		base = fmt.Errorf("%s: status %d: %s", op, statusCode, truncate(body, 200))
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthError{Err: base, StatusCode: statusCode}
	case statusCode == http.StatusTooManyRequests:
		return &TransientError{Err: base, StatusCode: statusCode}
	case statusCode >= 500:
		return &TransientError{Err: base, StatusCode: statusCode}
	default:
		return &PermanentError{Err: base, StatusCode: statusCode}
	}
}

// StatusCode extracts the HTTP status carried by a typed error, or 0.
func StatusCode(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return transientErr.StatusCode
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return permanentErr.StatusCode
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.StatusCode
	}
	return 0
}

// Helper functions

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Helper constructors

// NewTransientError creates a new transient error
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{
		Err:     err,
		Message: message,
	}
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{
		Err:     err,
		Message: message,
	}
}

// NewAuthError creates a new credential error
func NewAuthError(err error, message string) *AuthError {
	return &AuthError{
		Err:     err,
		Message: message,
	}
}

// NewInvalidConfigError creates a new config schema violation error
func NewInvalidConfigError(err error, field string) *InvalidConfigError {
	return &InvalidConfigError{
		Err:   err,
		Field: field,
	}
}
