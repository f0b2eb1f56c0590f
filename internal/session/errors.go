package session

import (
	"errors"
	"fmt"
)

// Kind buckets user-visible failures so callers know whether to blame the
// input, retry, or give up.
type Kind int

const (
	KindInternal Kind = iota
	KindInputRejected
	KindPolicyDenied
	KindExternalTransient
	KindExternalFatal
	KindAgentTimeout
)

// Error carries a Kind alongside the message shown to the user.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// rejectf builds an InputRejected error; state must not have been mutated.
func rejectf(format string, args ...any) *Error {
	return &Error{Kind: KindInputRejected, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
