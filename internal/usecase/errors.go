package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorAuthentication   ErrorCode = "AUTHENTICATION_FAILURE"
	ErrorMalformedRequest ErrorCode = "MALFORMED_REQUEST"
	ErrorContentFetch     ErrorCode = "CONTENT_FETCH_EXHAUSTED"
	ErrorBackend          ErrorCode = "BACKEND_ERROR"
	ErrorStorage          ErrorCode = "STORAGE_ERROR"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

// detail is the user-facing description of an event failure: the wrapped
// cause when there is one, without the usecase prefix.
func detail(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		if ue.Err != nil {
			return ue.Err.Error()
		}
		return ue.Reason
	}
	return err.Error()
}
