// Package wireerr defines the four client-visible error kinds from
// spec §6/§7, following the same typed-error shape as cdc-sink's
// types.LeaseBusyError / types.IsLeaseBusy.
package wireerr

import "github.com/pkg/errors"

// Kind is one of the wire protocol's ErrorKind values.
type Kind string

const (
	// InvalidMessage marks a malformed or unrecognized inbound frame.
	InvalidMessage Kind = "InvalidMessage"
	// InvalidPush marks a push whose clientGroupID does not match the
	// connection's group.
	InvalidPush Kind = "InvalidPush"
	// MutationFailed marks a single mutation that could not be applied.
	MutationFailed Kind = "MutationFailed"
	// Internal marks any other server-side fault.
	Internal Kind = "Internal"
)

// Error is a typed error carrying a wire Kind and a human-readable
// detail string, suitable for direct encoding into an
// ['error', Kind, detail] downstream frame.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New builds a wire error of the given kind with a formatted detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches a wire Kind to an existing error, preserving it as the
// cause.
func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// As extracts a *Error from err, if the chain contains one.
func As(err error) (*Error, bool) {
	var werr *Error
	ok := errors.As(err, &werr)
	return werr, ok
}
