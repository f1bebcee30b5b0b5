package se

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// ErrorCode classifies failures of the service for programmatic handling.
type ErrorCode int

const (
	CodeBadParameters ErrorCode = iota + 1
	CodeNotPresent
	CodeReaderUnavailable
	CodeReaderBusy
	CodeChannelNotAvailable
	CodeNoChannelAvailable
	CodeInvalidState
	CodeShortBuffer
	CodeCommunication
	CodeNoMoreApplications
	CodeItemNotFound
)

var codeNames = map[ErrorCode]string{
	CodeBadParameters:       "BadParameters",
	CodeNotPresent:          "NotPresent",
	CodeReaderUnavailable:   "ReaderUnavailable",
	CodeReaderBusy:          "ReaderBusy",
	CodeChannelNotAvailable: "ChannelNotAvailable",
	CodeNoChannelAvailable:  "NoChannelAvailable",
	CodeInvalidState:        "InvalidState",
	CodeShortBuffer:         "ShortBuffer",
	CodeCommunication:       "Communication",
	CodeNoMoreApplications:  "NoMoreApplications",
	CodeItemNotFound:        "ItemNotFound",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error provides structured error information for programmatic handling.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode
	Op      string             // Operation that failed (e.g., "Session.OpenLogicalChannel")
	Message string             // Human-readable message
	Status  iso7816.StatusWord // Status word returned by the SE, when one caused the failure
	Cause   error              // Underlying error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (SW %04X)", uint16(e.Status))
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrBadParameters       = &Error{Code: CodeBadParameters, Message: "bad parameters"}
	ErrNotPresent          = &Error{Code: CodeNotPresent, Message: "secure element not present"}
	ErrReaderUnavailable   = &Error{Code: CodeReaderUnavailable, Message: "reader unavailable"}
	ErrReaderBusy          = &Error{Code: CodeReaderBusy, Message: "reader busy"}
	ErrChannelNotAvailable = &Error{Code: CodeChannelNotAvailable, Message: "channel not available"}
	ErrNoChannelAvailable  = &Error{Code: CodeNoChannelAvailable, Message: "no channel available"}
	ErrInvalidState        = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrShortBuffer         = &Error{Code: CodeShortBuffer, Message: "short buffer"}
	ErrCommunication       = &Error{Code: CodeCommunication, Message: "communication error"}
	ErrNoMoreApplications  = &Error{Code: CodeNoMoreApplications, Message: "no more applications"}
	ErrItemNotFound        = &Error{Code: CodeItemNotFound, Message: "item not found"}
)

// ShortBufferError reports a response that does not fit the caller's capacity.
// The response is kept on the channel so an identical retry can fetch it.
type ShortBufferError struct {
	Actual   int
	Capacity int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("short buffer: response is %d bytes, capacity %d", e.Actual, e.Capacity)
}

func (e *ShortBufferError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeShortBuffer
}

// CodeOf extracts the ErrorCode from err.
// Returns 0 if err carries no code.
func CodeOf(err error) ErrorCode {
	var sb *ShortBufferError
	if errors.As(err, &sb) {
		return CodeShortBuffer
	}
	var seErr *Error
	if errors.As(err, &seErr) {
		return seErr.Code
	}
	return 0
}

func newError(code ErrorCode, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

func statusError(code ErrorCode, op, message string, sw iso7816.StatusWord) *Error {
	return &Error{Code: code, Op: op, Message: message, Status: sw}
}

// driverError keeps the code a driver attached to err and falls back to
// Communication for anything else.
func driverError(op, message string, err error) *Error {
	code := CodeOf(err)
	if code == 0 {
		code = CodeCommunication
	}
	return wrapError(code, op, message, err)
}
