package scan

import (
	"errors"
	"fmt"
)

// Code is the error code carried in an error reply.
type Code string

const (
	CodeActivityNotAvailable Code = "ActivityNotAvailable"
	CodeScanFailed           Code = "ScanFailed"
	CodeInProgress           Code = "OperationAlreadyInProgress"
	CodeActivityDetached     Code = "ActivityDetached"
	CodeProcessingError      Code = "ScanProcessingError"
)

// Error is a reply-level failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// AsError converts any error to an *Error, defaulting to fallback.
func AsError(err error, fallback Code) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: fallback, Message: err.Error()}
}
