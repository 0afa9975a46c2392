// Package apperrors classifies the error kinds from spec.md §7 so both
// the WebSocket multiplexer and the REST surface can render a consistent
// reason without re-deriving it from error strings.
package apperrors

import (
	"fmt"
	"net/http"
)

// Code identifies an error kind from spec.md §7.
type Code string

const (
	CodeProtocol         Code = "protocol"
	CodeAuthentication   Code = "authentication"
	CodeSessionNotFound  Code = "session_not_found"
	CodeAlreadyExecuting Code = "already_executing"
	CodeAlreadyTerminal  Code = "already_terminal"
	CodeBundleResolution Code = "bundle_resolution"
	CodeRuntimeFault     Code = "runtime_fault"
	CodeSlowConsumer     Code = "slow_consumer"
	CodeValidation       Code = "validation"
	CodeInternal         Code = "internal"
)

var httpStatus = map[Code]int{
	CodeProtocol:         http.StatusBadRequest,
	CodeAuthentication:   http.StatusUnauthorized,
	CodeSessionNotFound:  http.StatusNotFound,
	CodeAlreadyExecuting: http.StatusConflict,
	CodeAlreadyTerminal:  http.StatusConflict,
	CodeBundleResolution: http.StatusUnprocessableEntity,
	CodeRuntimeFault:     http.StatusInternalServerError,
	CodeSlowConsumer:     http.StatusInternalServerError,
	CodeValidation:       http.StatusBadRequest,
	CodeInternal:         http.StatusInternalServerError,
}

// AppError is the error type returned across package boundaries whenever
// the caller needs to render an HTTP status or a protocol error frame
// reason, not just a log line.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code the REST surface should respond with.
func (e *AppError) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HTTPStatus maps a Code to the HTTP status the REST surface should
// respond with, independent of any particular AppError instance.
func HTTPStatus(code Code) int {
	if status, ok := httpStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func SessionNotFound(id string) *AppError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %q not found", id))
}

func AlreadyExecuting(id string) *AppError {
	return New(CodeAlreadyExecuting, fmt.Sprintf("session %q already has a turn in flight", id))
}

func AlreadyTerminal(id string) *AppError {
	return New(CodeAlreadyTerminal, fmt.Sprintf("session %q is already terminal", id))
}

func Protocol(message string) *AppError {
	return New(CodeProtocol, message)
}

func Validation(message string) *AppError {
	return New(CodeValidation, message)
}

func BundleResolution(message string, err error) *AppError {
	return Wrap(CodeBundleResolution, message, err)
}

func RuntimeFault(message string, err error) *AppError {
	return Wrap(CodeRuntimeFault, message, err)
}

// CodeOf returns the Code of the first *AppError found in err's wrap
// chain, defaulting to CodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if ok := asAppError(err, &appErr); ok {
		return appErr.Code
	}
	return CodeInternal
}

func asAppError(err error, target **AppError) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			*target = ae
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
