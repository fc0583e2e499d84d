package task

import "fmt"

// Error is the structured failure payload a Task carries after Fail() or an
// unhandled panic in its body. Kind is an optional discriminator a task body
// can set (e.g. "timeout", "permanent") for callers that branch on failure
// type without string-matching Message.
type Error struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

// NewError builds an Error from a plain message.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// NewErrorWithKind builds an Error tagged with a discriminator.
func NewErrorWithKind(message, kind string) *Error {
	return &Error{Message: message, Kind: kind}
}

// sentinel unwind signals recognised by Run's recover. Fail panics with
// failSignal to unwind the body's goroutine stack instead of returning an
// ordinary Go error. Nothing in this package panics with cancelSignal;
// cancellation is observed by the body through IsStopped.
type cancelSignal struct{}

type failSignal struct {
	err *Error
}

// PermanentKind marks a failure Error as non-retryable regardless of the
// task's remaining MaxRetries; the Queue checks for this via IsPermanent.
const PermanentKind = "permanent"

// IsPermanent reports whether this Error should skip retry scheduling.
func (e *Error) IsPermanent() bool {
	return e != nil && e.Kind == PermanentKind
}
