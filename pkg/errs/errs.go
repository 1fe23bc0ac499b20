// Package errs defines the error taxonomy shared by the transport, the
// integrity verifier and the transfer orchestrator.
//
// Every failure surfaced to callers is an *Error carrying a Kind. Callers
// match kinds with errors.Is against the exported sentinels, or read the kind
// directly with KindOf.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindNetwork   Kind = "network"
	KindAuth      Kind = "auth"
	KindServer    Kind = "server"
	KindIntegrity Kind = "integrity"
	KindLocalIO   Kind = "local_io"
	KindUsage     Kind = "usage"
)

// Sentinels for errors.Is checks.
var (
	ErrNetwork   = errors.New("network error")
	ErrAuth      = errors.New("authentication failed")
	ErrServer    = errors.New("server error")
	ErrIntegrity = errors.New("integrity check failed")
	ErrLocalIO   = errors.New("local i/o error")
	ErrUsage     = errors.New("invalid usage")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindAuth:
		return ErrAuth
	case KindServer:
		return ErrServer
	case KindIntegrity:
		return ErrIntegrity
	case KindLocalIO:
		return ErrLocalIO
	case KindUsage:
		return ErrUsage
	default:
		return nil
	}
}

// Error is a classified failure with the operation that produced it.
type Error struct {
	Kind Kind
	// Op is the operation that failed (e.g. "upload chunk", "download").
	Op string
	// Path is the local path involved, if any.
	Path string
	// Status is the HTTP status code returned by the server, if any.
	Status int
	// Temporary marks server responses that may succeed on retry (5xx, 429).
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Path != "":
		prefix = fmt.Sprintf("%s %s", e.Op, e.Path)
	case e.Status != 0:
		prefix = fmt.Sprintf("%s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	default:
		prefix = e.Op
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", prefix, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network wraps a transport level failure (timeout, reset, refused).
func Network(op string, err error) *Error {
	return newError(KindNetwork, op, err)
}

// Auth reports a 401/403 answer from the server.
func Auth(op string, status int, err error) *Error {
	e := newError(KindAuth, op, err)
	e.Status = status
	return e
}

// Server reports a non-success answer from the server.
func Server(op string, status int, err error) *Error {
	e := newError(KindServer, op, err)
	e.Status = status
	return e
}

// TemporaryServer reports a server answer that is worth retrying.
func TemporaryServer(op string, status int, err error) *Error {
	e := Server(op, status, err)
	e.Temporary = true
	return e
}

// Integrity reports a digest mismatch or an unusable remote digest.
func Integrity(op string, err error) *Error {
	return newError(KindIntegrity, op, err)
}

// LocalIO wraps a failure to read or write a local file.
func LocalIO(op, path string, err error) *Error {
	e := newError(KindLocalIO, op, err)
	e.Path = path
	return e
}

// Usage reports invalid input from the caller.
func Usage(op string, err error) *Error {
	return newError(KindUsage, op, err)
}

// Usagef is Usage with a formatted message.
func Usagef(op, format string, args ...any) *Error {
	return Usage(op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status recorded in err's chain, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Retryable reports whether err is a transient failure. Cancellation is never
// retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindServer:
		return e.Temporary
	default:
		return false
	}
}

// IsNotFound reports whether the server answered 404 or 410.
func IsNotFound(err error) bool {
	s := StatusOf(err)
	return s == http.StatusNotFound || s == http.StatusGone
}
