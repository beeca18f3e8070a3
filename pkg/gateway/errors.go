package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure so callers can branch on structure
// instead of sniffing error strings
type Kind int

const (
	// KindValidation marks input errors resolved before any network call
	KindValidation Kind = iota + 1
	// KindRejected marks a signature refusal by the user; not a failure
	KindRejected
	// KindSimulation marks a call that would revert, caught before gas is spent
	KindSimulation
	// KindReverted marks a broadcast transaction whose execution failed
	KindReverted
	// KindRPC marks a transient network or node error
	KindRPC
)

// Error is the structured error the gateway surfaces. Code carries the
// 4-byte revert selector (hex) when the node returned one.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s)", e.Msg, e.Code)
	}
	return e.Msg
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the classification of err, or zero for untyped errors
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// CodeOf returns the revert selector carried by err, if any
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsRejected reports whether err represents a user signature refusal
func IsRejected(err error) bool {
	return KindOf(err) == KindRejected
}

// Validationf builds a validation error from a format string
func Validationf(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Rejected builds the user-rejection error
func Rejected() error {
	return &Error{Kind: KindRejected, Msg: "signature rejected by user"}
}

// Simulation wraps a pre-flight revert with its selector
func Simulation(code, msg string, cause error) error {
	if msg == "" {
		msg = "simulation would revert"
	}
	return &Error{Kind: KindSimulation, Code: code, Msg: msg, cause: cause}
}

// Reverted marks a confirmed transaction whose receipt reported failure
func Reverted(msg string) error {
	if msg == "" {
		msg = "transaction reverted on chain"
	}
	return &Error{Kind: KindReverted, Msg: msg}
}

// RPC wraps a transient node error
func RPC(cause error) error {
	return &Error{Kind: KindRPC, Msg: cause.Error(), cause: cause}
}
