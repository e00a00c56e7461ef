package services

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/huangang/authcore/pkg/response"
)

// ErrorCode is the machine-readable identifier carried by every auth rejection.
type ErrorCode string

const (
	CodeInvalidEmail        ErrorCode = "INVALID_EMAIL"
	CodeWeakPassword        ErrorCode = "WEAK_PASSWORD"
	CodeEmailExists         ErrorCode = "EMAIL_EXISTS"
	CodeInvalidCredentials  ErrorCode = "INVALID_CREDENTIALS"
	CodeAccountDeactivated  ErrorCode = "ACCOUNT_DEACTIVATED"
	CodeInvalidRefreshToken ErrorCode = "INVALID_REFRESH_TOKEN"
	CodeInvalidPassword     ErrorCode = "INVALID_PASSWORD"
	CodeUserNotFound        ErrorCode = "USER_NOT_FOUND"
	CodeRefreshNotAvailable ErrorCode = "REFRESH_NOT_AVAILABLE"
	CodeIPRateLimited       ErrorCode = "IP_RATE_LIMITED"
	CodeAccountLocked       ErrorCode = "ACCOUNT_LOCKED"
)

var defaultStatus = map[ErrorCode]int{
	CodeInvalidEmail:        http.StatusBadRequest,
	CodeWeakPassword:        http.StatusBadRequest,
	CodeEmailExists:         http.StatusConflict,
	CodeInvalidCredentials:  http.StatusUnauthorized,
	CodeAccountDeactivated:  http.StatusForbidden,
	CodeInvalidRefreshToken: http.StatusUnauthorized,
	CodeInvalidPassword:     http.StatusUnauthorized,
	CodeUserNotFound:        http.StatusNotFound,
	CodeRefreshNotAvailable: http.StatusNotImplemented,
	CodeIPRateLimited:       http.StatusTooManyRequests,
	CodeAccountLocked:       http.StatusTooManyRequests,
}

var defaultMessage = map[ErrorCode]string{
	CodeInvalidEmail:        "invalid email address",
	CodeWeakPassword:        "password must be 8 characters to 72 bytes long and contain an uppercase letter, a lowercase letter and a digit",
	CodeEmailExists:         "email is already registered",
	CodeInvalidCredentials:  "invalid email or password",
	CodeAccountDeactivated:  "account is deactivated",
	CodeInvalidRefreshToken: "invalid refresh token",
	CodeInvalidPassword:     "current password is incorrect",
	CodeUserNotFound:        "user not found",
	CodeRefreshNotAvailable: "refresh tokens are not available",
	CodeIPRateLimited:       "too many login attempts from this address, try again later",
	CodeAccountLocked:       "account is temporarily locked, try again later",
}

// AuthError is a typed, security-relevant rejection.
type AuthError struct {
	Code              ErrorCode
	Status            int
	Message           string
	RetryAfter        time.Duration // only for rate-limit codes
	RemainingAttempts int           // -1 when unknown
}

// NewAuthError builds an error with the code's default status and message.
func NewAuthError(code ErrorCode) *AuthError {
	status, ok := defaultStatus[code]
	if !ok {
		status = http.StatusBadRequest
	}
	return &AuthError{
		Code:              code,
		Status:            status,
		Message:           defaultMessage[code],
		RemainingAttempts: -1,
	}
}

// NewRateLimitError builds an IP_RATE_LIMITED or ACCOUNT_LOCKED rejection.
func NewRateLimitError(code ErrorCode, retryAfter time.Duration) *AuthError {
	e := NewAuthError(code)
	e.RetryAfter = retryAfter
	return e
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *AuthError with the same code, so
// errors.Is(err, ErrInvalidCredentials) works on wrapped errors.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *AuthError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// AppError renders the rejection for pkg/response.
func (e *AuthError) AppError() *response.AppError {
	appErr := &response.AppError{
		HTTPStatus: e.Status,
		Code:       e.Status,
		ErrorCode:  string(e.Code),
		Message:    e.Message,
	}
	if e.Status == http.StatusTooManyRequests {
		appErr.Details = map[string]interface{}{
			"message":           e.Message,
			"retryAfterSeconds": e.RetryAfterSeconds(),
		}
	}
	return appErr
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidEmail        = NewAuthError(CodeInvalidEmail)
	ErrWeakPassword        = NewAuthError(CodeWeakPassword)
	ErrEmailExists         = NewAuthError(CodeEmailExists)
	ErrInvalidCredentials  = NewAuthError(CodeInvalidCredentials)
	ErrAccountDeactivated  = NewAuthError(CodeAccountDeactivated)
	ErrInvalidRefreshToken = NewAuthError(CodeInvalidRefreshToken)
	ErrInvalidPassword     = NewAuthError(CodeInvalidPassword)
	ErrUserNotFound        = NewAuthError(CodeUserNotFound)
	ErrRefreshNotAvailable = NewAuthError(CodeRefreshNotAvailable)
	ErrIPRateLimited       = NewAuthError(CodeIPRateLimited)
	ErrAccountLocked       = NewAuthError(CodeAccountLocked)
)

// CodeOf extracts the ErrorCode from err, or "" if it is not an AuthError.
func CodeOf(err error) ErrorCode {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}
