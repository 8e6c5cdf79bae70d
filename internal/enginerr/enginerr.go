// Package enginerr normalizes the engine's error codes and message
// fragments into a stable taxonomy, per spec §4.4/§9 ("Error-as-control-flow").
//
// The engine surfaces failures as numeric codes (e.g. 51003) and free-text
// messages; callers throughout the controller must not branch on those
// directly. Everything crosses the enginerr boundary exactly once, in
// internal/engine.
package enginerr

import "strings"

// Kind is a normalized engine error category.
type Kind int

const (
	Unknown Kind = iota
	NotPrimary
	AuthRequired
	ReplicaSetMismatch
	Unreachable
	NotYetInitialized
	AlreadyInitialized
)

func (k Kind) String() string {
	switch k {
	case NotPrimary:
		return "NotPrimary"
	case AuthRequired:
		return "AuthRequired"
	case ReplicaSetMismatch:
		return "ReplicaSetMismatch"
	case Unreachable:
		return "Unreachable"
	case NotYetInitialized:
		return "NotYetInitialized"
	case AlreadyInitialized:
		return "AlreadyInitialized"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying engine error with its normalized Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err normalizes to the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// codeUnauthorized is the engine's numeric code for an unauthorized command.
const codeUnauthorized = 13

// Classify inspects an engine-reported numeric code and message and returns
// the normalized Kind. A code of 0 means "no code, inspect message only".
func Classify(code int, message string, connErr bool) Kind {
	if connErr {
		return Unreachable
	}
	lower := strings.ToLower(message)
	switch {
	case code == 10107 || strings.Contains(lower, "not master") || strings.Contains(lower, "not primary"):
		return NotPrimary
	case code == codeUnauthorized || strings.Contains(lower, "authentication") || strings.Contains(lower, "requires authentication") || strings.Contains(lower, "unauthorized"):
		return AuthRequired
	case strings.Contains(lower, "replica set id did not match"):
		return ReplicaSetMismatch
	case code == 94 || strings.Contains(lower, "not yet initialized") || strings.Contains(lower, "no replset config"):
		return NotYetInitialized
	case code == 23 || strings.Contains(lower, "already initialized"):
		return AlreadyInitialized
	default:
		return Unknown
	}
}

// Wrap normalizes err using Classify and returns an *Error. If err is nil,
// Wrap returns nil.
func Wrap(err error, code int, message string, connErr bool) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(code, message, connErr), Err: err}
}
