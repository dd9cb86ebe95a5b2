package job

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound     = errors.New("job not found")
	ErrTerminal     = errors.New("job already in a terminal state")
	ErrInvalidPatch = errors.New("invalid job patch")
)

// Code is the error_code recorded on failed jobs.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeVideoTooLong     Code = "VIDEO_TOO_LONG"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodeExtractionFailed Code = "EXTRACTION_FAILED"
	CodeUploadFailed     Code = "UPLOAD_FAILED"
	CodeReceiveFailed    Code = "RECEIVE_FAILED"
	CodeTimeout          Code = "TIMEOUT"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is a classified job failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is the human-readable message stored on the job.
func (e *Error) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

// HTTPStatus maps the code to the status returned by synchronous endpoints.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeVideoTooLong, CodeReceiveFailed:
		return http.StatusBadRequest
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeExtractionFailed:
		return http.StatusUnprocessableEntity
	case CodeUploadFailed:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
