package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes carried by AppError.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailInUse         = "EMAIL_IN_USE"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeAuthUnknown        = "AUTH_UNKNOWN"
	CodeValidation         = "VALIDATION_ERROR"
	CodeRemoteWrite        = "REMOTE_WRITE_ERROR"
	CodeRemoteRead         = "REMOTE_READ_ERROR"
	CodeSubscription       = "SUBSCRIPTION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAuthError builds an authentication failure with one of the auth codes.
func NewAuthError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewUnauthenticatedError is returned when an operation needs a session and none is active.
func NewUnauthenticatedError() *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: "You must be signed in to do that"}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewMissingFieldError reports a required field that was empty.
func NewMissingFieldError(field string) *AppError {
	return NewValidationError(fmt.Sprintf("%s is required", field))
}

func NewRemoteWriteError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeRemoteWrite,
		Message: fmt.Sprintf("could not %s", operation),
		Err:     err,
	}
}

func NewRemoteReadError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeRemoteRead,
		Message: fmt.Sprintf("could not %s", operation),
		Err:     err,
	}
}

func NewSubscriptionError(path string, err error) *AppError {
	return &AppError{
		Code:    CodeSubscription,
		Message: fmt.Sprintf("subscription to %s failed", path),
		Err:     err,
	}
}

func NewNotFoundError(resource string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{Code: CodeForbidden, Message: message}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// ErrorCode returns the AppError code anywhere in err's chain, or "".
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given AppError code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsAuthError reports whether err is one of the authentication failures.
func IsAuthError(err error) bool {
	switch ErrorCode(err) {
	case CodeInvalidCredentials, CodeEmailInUse, CodeWeakPassword, CodeUnauthenticated, CodeAuthUnknown:
		return true
	}
	return false
}

// StatusFor maps an error to the HTTP status used to report it.
func StatusFor(err error) int {
	switch ErrorCode(err) {
	case CodeValidation, CodeWeakPassword:
		return fiber.StatusBadRequest
	case CodeInvalidCredentials, CodeUnauthenticated:
		return fiber.StatusUnauthorized
	case CodeForbidden:
		return fiber.StatusForbidden
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeEmailInUse:
		return fiber.StatusConflict
	case CodeRemoteWrite, CodeRemoteRead, CodeSubscription:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
