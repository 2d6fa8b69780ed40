package kernel

import (
	"errors"
	"fmt"

	"github.com/codefionn/kernelwire/internal/session"
	"github.com/codefionn/kernelwire/internal/wire"
)

// Error kinds used for the error_kind log field.
const (
	KindTransport = "transport"
	KindAuth      = "auth"
	KindParse     = "parse"
	KindHandler   = "handler"
	KindRouting   = "routing"
	KindLock      = "lock"
)

// UnknownCommError reports a comm target or id the kernel cannot route.
type UnknownCommError struct {
	Target string
	ID     string
}

func (e *UnknownCommError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("unknown comm target %q", e.Target)
	}
	return fmt.Sprintf("unknown comm id %q", e.ID)
}

// ErrorKind classifies err for logging.
func ErrorKind(err error) string {
	var (
		authErr    *wire.AuthError
		partErr    *wire.MalformedPartError
		typeErr    *wire.UnknownMessageTypeError
		contentErr *wire.ContentError
		commErr    *UnknownCommError
		transport  *transportError
	)
	switch {
	case errors.As(err, &authErr),
		errors.Is(err, session.ErrBadSignature),
		errors.Is(err, session.ErrMalformedSignature):
		return KindAuth
	case errors.As(err, &partErr),
		errors.As(err, &typeErr),
		errors.As(err, &contentErr),
		errors.Is(err, wire.ErrMissingDelimiter),
		errors.Is(err, wire.ErrTooFewFrames):
		return KindParse
	case errors.As(err, &commErr):
		return KindRouting
	case errors.As(err, &transport):
		return KindTransport
	default:
		return KindHandler
	}
}

// transportError marks socket failures.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
