package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// Code is the stable numeric error code surfaced to callers.
type Code int

const (
	CodeParameterCheckFailed     Code = 401
	CodePermissionDenied         Code = 201
	CodeServiceException         Code = 6600101
	CodeSessionNotExist          Code = 6600102
	CodeControllerNotExist       Code = 6600103
	CodeRemoteConnectionFailed   Code = 6600104
	CodeInvalidCommand           Code = 6600105
	CodeSessionInactive          Code = 6600106
	CodeMessageOverload          Code = 6600107
	CodeDeviceConnectionFailed   Code = 6600108
	CodeRemoteConnectionNotExist Code = 6600109
)

// ErrorKind groups codes by how callers are expected to react.
type ErrorKind string

const (
	KindParameter  ErrorKind = "parameter"
	KindPermission ErrorKind = "permission"
	KindNotFound   ErrorKind = "not_found"
	KindState      ErrorKind = "state"
	KindOverload   ErrorKind = "overload"
	KindConnection ErrorKind = "connection"
	KindService    ErrorKind = "service"
)

var codeNames = map[Code]string{
	CodeParameterCheckFailed:     "PARAMETER_CHECK_FAILED",
	CodePermissionDenied:         "PERMISSION_DENIED",
	CodeServiceException:         "SERVICE_EXCEPTION",
	CodeSessionNotExist:          "SESSION_NOT_EXIST",
	CodeControllerNotExist:       "CONTROLLER_NOT_EXIST",
	CodeRemoteConnectionFailed:   "REMOTE_CONNECTION_FAILED",
	CodeInvalidCommand:           "INVALID_COMMAND",
	CodeSessionInactive:          "SESSION_INACTIVE",
	CodeMessageOverload:          "MESSAGE_OVERLOAD",
	CodeDeviceConnectionFailed:   "DEVICE_CONNECTION_FAILED",
	CodeRemoteConnectionNotExist: "REMOTE_CONNECTION_NOT_EXIST",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "CODE_" + strconv.Itoa(int(c))
}

func (c Code) Kind() ErrorKind {
	switch c {
	case CodeParameterCheckFailed:
		return KindParameter
	case CodePermissionDenied:
		return KindPermission
	case CodeSessionNotExist, CodeControllerNotExist:
		return KindNotFound
	case CodeSessionInactive, CodeInvalidCommand:
		return KindState
	case CodeMessageOverload:
		return KindOverload
	case CodeDeviceConnectionFailed, CodeRemoteConnectionNotExist, CodeRemoteConnectionFailed:
		return KindConnection
	default:
		return KindService
	}
}

// Error is the single error type returned across the broker. Two errors
// match under errors.Is when their codes are equal.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of e carrying an extra detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

var (
	ErrParameterCheckFailed     = &Error{Code: CodeParameterCheckFailed, Message: "parameter check failed"}
	ErrPermissionDenied         = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrServiceException         = &Error{Code: CodeServiceException, Message: "service exception"}
	ErrSessionNotExist          = &Error{Code: CodeSessionNotExist, Message: "session does not exist"}
	ErrControllerNotExist       = &Error{Code: CodeControllerNotExist, Message: "controller does not exist"}
	ErrRemoteConnectionFailed   = &Error{Code: CodeRemoteConnectionFailed, Message: "remote connection failed"}
	ErrInvalidCommand           = &Error{Code: CodeInvalidCommand, Message: "invalid command"}
	ErrSessionInactive          = &Error{Code: CodeSessionInactive, Message: "session is inactive"}
	ErrMessageOverload          = &Error{Code: CodeMessageOverload, Message: "command queue is full"}
	ErrDeviceConnectionFailed   = &Error{Code: CodeDeviceConnectionFailed, Message: "device connection failed"}
	ErrRemoteConnectionNotExist = &Error{Code: CodeRemoteConnectionNotExist, Message: "remote connection does not exist"}
)

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new error with the given code. A nil cause yields
// a plain error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// AsError converts err into a *Error. Errors that are not already part of the
// taxonomy become ServiceException.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Wrap(CodeServiceException, "internal fault", err)
}

// CodeOf returns the code carried by err, or 0 for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	return AsError(err).Code
}

// IsRetryable reports whether a caller may retry after backing off.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeMessageOverload
}
