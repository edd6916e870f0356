package models

import "errors"

// Result is the outcome of a user-initiated mutation. Expected failures are
// reported here instead of as a returned error so callers can branch on Success.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
	Err     error  `json:"-"`
}

// OK returns a successful result.
func OK(message string) Result {
	return Result{Success: true, Message: message}
}

// Created returns a successful result carrying the new document id.
func Created(id, message string) Result {
	return Result{Success: true, Message: message, ID: id}
}

// Fail wraps err into a failed result. AppError messages are shown as-is.
func Fail(err error) Result {
	msg := "Something went wrong"
	var appErr *AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	return Result{Message: msg, Err: err}
}
