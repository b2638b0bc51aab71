// Package playhouseerr defines the standard error codes shared by every
// PlayHouse component (packet replies, S2S envelopes, sender facades).
package playhouseerr

import "fmt"

// Code is a wire-level error code, carried in Packet.ErrorCode.
type Code uint16

// Standard error codes.
const (
	Success         Code = 0
	BadRequest      Code = 400
	StageNotFound   Code = 404
	InternalError   Code = 500
	Disconnected    Code = 60201
	Timeout         Code = 60202
	Unauthenticated Code = 60203
	DuplicateLogin  Code = 60204
	NodeUnreachable Code = 60205
	WrongStageType  Code = 60206
	Overloaded      Code = 60207
	SessionNotFound Code = 60208
)

var names = map[Code]string{
	Success:         "Success",
	BadRequest:      "BadRequest",
	StageNotFound:   "StageNotFound",
	InternalError:   "InternalError",
	Disconnected:    "Disconnected",
	Timeout:         "Timeout",
	Unauthenticated: "Unauthenticated",
	DuplicateLogin:  "DuplicateLogin",
	NodeUnreachable: "NodeUnreachable",
	WrongStageType:  "WrongStageType",
	Overloaded:      "Overloaded",
	SessionNotFound: "SessionNotFound",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

// Error adapts a Code to the error interface so it can travel through
// normal Go error-returning APIs (e.g. RequestCache resolution, S2S sends)
// before being translated back into a reply packet's ErrorCode.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	return e.Code.String()
}

// New wraps a Code as an error.
func New(c Code) error {
	if c == Success {
		return nil
	}
	return &Error{Code: c}
}

// CodeOf extracts the Code carried by err, defaulting to InternalError for
// any error not produced by New.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Code
	}
	return InternalError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
