package wire

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingDelimiter means no <IDS|MSG> frame was found.
	ErrMissingDelimiter = errors.New("missing <IDS|MSG> delimiter")
	// ErrTooFewFrames means the payload after the delimiter is incomplete.
	ErrTooFewFrames = errors.New("too few frames after delimiter")
)

// AuthError rejects a message whose signature could not be verified.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MalformedPartError reports a payload frame that is not valid JSON.
type MalformedPartError struct {
	Part string // header, parent_header, metadata or content
	Raw  string
	Err  error
}

func (e *MalformedPartError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("malformed %s %q: %v", e.Part, raw, e.Err)
}

func (e *MalformedPartError) Unwrap() error { return e.Err }

// UnknownMessageTypeError is returned for msg_type values outside the
// supported set.
type UnknownMessageTypeError struct {
	MsgType string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.MsgType)
}

// ContentError means the content does not match the schema implied by the
// declared msg_type.
type ContentError struct {
	MsgType string
	Err     error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("invalid %s content: %v", e.MsgType, e.Err)
}

func (e *ContentError) Unwrap() error { return e.Err }

// Exception is a handler failure carried back to the front end as an error
// reply. Handlers return it (possibly wrapped) to control ename, evalue and
// traceback; any other error is reported with a generic name.
type Exception struct {
	EName     string
	EValue    string
	Traceback []string
}

func (e *Exception) Error() string {
	if e.EValue == "" {
		return e.EName
	}
	return e.EName + ": " + e.EValue
}

// AsException converts err into an Exception for an error reply.
func AsException(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return &Exception{
		EName:     "KernelError",
		EValue:    err.Error(),
		Traceback: strings.Split(err.Error(), "\n"),
	}
}
