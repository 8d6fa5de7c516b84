package handler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies handler failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindOpenFailed
	KindAttachFailed
	KindDownloadFailed
	KindResetFailed
	KindRTTControlBlockNotFound
	KindRTTOtherFailure
	KindIOFailed
	KindParseFailed
	KindNotAttached
	KindInvalidIndex
	KindReadFailed
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                 "unknown",
	KindOpenFailed:              "open failed",
	KindAttachFailed:            "attach failed",
	KindDownloadFailed:          "download failed",
	KindResetFailed:             "reset failed",
	KindRTTControlBlockNotFound: "RTT control block not found",
	KindRTTOtherFailure:         "RTT failure",
	KindIOFailed:                "I/O failed",
	KindParseFailed:             "parse failed",
	KindNotAttached:             "not attached",
	KindInvalidIndex:            "invalid index",
	KindReadFailed:              "read failed",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the only error type the handler returns. The message carries the
// underlying cause as text; lower layer error values are not wrapped.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: KindNotAttached}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: cause.Error()}
}

func errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a handler error, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
