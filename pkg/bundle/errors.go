package bundle

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category reported to clients.
type Kind string

const (
	// KindInvalidRequest marks a malformed request. It never reaches the
	// registry or the compiler.
	KindInvalidRequest Kind = "INVALID_REQUEST"
	// KindCompile marks a failure reported by the compiler.
	KindCompile Kind = "COMPILE_ERROR"
	// KindTimeout marks a build that exceeded the maximum build duration.
	KindTimeout Kind = "TIMEOUT"
	// KindCacheCorruption marks a stored artifact that could not be read back.
	KindCacheCorruption Kind = "CACHE_CORRUPTION"
	// KindInternal marks a broken invariant inside the service.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured error returned by every bundle operation.
type Error struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
	Err     error  `json:"-" yaml:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Package != "" {
		msg += " (package " + e.Package + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, bundle.ErrTimeout).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other == e {
		return true
	}
	return other.Message == "" && other.Kind == e.Kind
}

var (
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest}
	ErrCompile         = &Error{Kind: KindCompile}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrCacheCorruption = &Error{Kind: KindCacheCorruption}
	ErrInternal        = &Error{Kind: KindInternal}
)

// Invalid builds an InvalidRequest error.
func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// InvalidPackage builds an InvalidRequest error naming the offending package.
func InvalidPackage(pkg string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...), Package: pkg}
}

// CompileFailed builds a CompileError. pkg may be empty when the compiler
// could not attribute the failure to a package.
func CompileFailed(reason, pkg string) *Error {
	return &Error{Kind: KindCompile, Message: reason, Package: pkg}
}

// TimedOut builds the Timeout error used when a build is force-failed.
func TimedOut(key Key, limit fmt.Stringer) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("build of %s exceeded %s", key, limit)}
}

// Corrupted builds a CacheCorruption error for the stored entry of key.
func Corrupted(key Key, cause error) *Error {
	return &Error{Kind: KindCacheCorruption, Message: "stored artifact for " + string(key) + " is unreadable", Err: cause}
}

// Internal builds an Internal error wrapping cause.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: cause}
}

// AsError converts any error into a structured *Error. Errors that are not
// already structured become Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Internal("unexpected failure", err)
}

// KindOf returns the kind of err, or the empty kind when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}
