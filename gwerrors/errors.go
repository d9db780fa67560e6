// Package gwerrors defines the gateway's error taxonomy: a small closed
// set of error kinds plus an abort-code refinement, built for coded
// reporting back to clients over the command/event bus.
package gwerrors

import "fmt"

// Kind is the observable error taxonomy.
type Kind string

const (
	Timeout  Kind = "Timeout"
	Abort    Kind = "Abort"
	Busy     Kind = "Busy"
	Locked   Kind = "Locked"
	BadState Kind = "BadState"
	Parse    Kind = "Parse"
	IO       Kind = "Io"
	Fatal    Kind = "Fatal"
)

// AbortClass refines Kind == Abort, mirroring sdocodec.DecodeAbortClass.
type AbortClass string

const (
	OutOfRange   AbortClass = "OutOfRange"
	UnknownIndex AbortClass = "UnknownIndex"
	Generic      AbortClass = "Generic"
)

// Error is the typed result every command handler returns; the
// gateway converts it into a correlated event.
type Error struct {
	Kind    Kind
	Abort   AbortClass
	Message string
}

func (e *Error) Error() string {
	if e.Kind == Abort {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Abort, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NewAbort(class AbortClass, format string, args ...any) *Error {
	return &Error{Kind: Abort, Abort: class, Message: fmt.Sprintf(format, args...)}
}

// Recoverable reports whether the kind should be reported to the
// initiating client without changing global state.
func (k Kind) Recoverable() bool {
	switch k {
	case Timeout, Busy, Locked, BadState:
		return true
	default:
		return false
	}
}

func (e *Error) Recoverable() bool {
	if e.Kind == Abort {
		return e.Abort == OutOfRange || e.Abort == UnknownIndex
	}
	return e.Kind.Recoverable()
}
