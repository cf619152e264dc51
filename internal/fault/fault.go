// Package fault defines the error taxonomy shared by the stage drivers,
// the planner, the capture sequence and the stitching engine.
//
// Every error carries a Kind; callers test it with errors.Is against the
// sentinel values (ErrValidation, ErrProtocol, ...).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindHardwareComm
	KindProtocol
	KindCapture
	KindPlanning
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation error"
	case KindHardwareComm:
		return "hardware communication error"
	case KindProtocol:
		return "protocol error"
	case KindCapture:
		return "capture error"
	case KindPlanning:
		return "planning failure"
	default:
		return "error"
	}
}

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// Index is the 1-based trajectory index of a capture failure, 0 otherwise.
	Index int
}

// Sentinels for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrHardwareComm = &Error{Kind: KindHardwareComm}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrCapture      = &Error{Kind: KindCapture}
	ErrPlanning     = &Error{Kind: KindPlanning}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Index == 0 && t.Kind == e.Kind
}

// Validation reports invalid input.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// HardwareComm wraps a failure of the physical channel.
func HardwareComm(op string, err error) error {
	return &Error{Kind: KindHardwareComm, Op: op, Err: err}
}

// Protocol reports a device-level rejection or an unexpected reply.
func Protocol(op, format string, args ...any) error {
	return &Error{Kind: KindProtocol, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Capture reports a failed frame at the 1-based trajectory index.
func Capture(index int, err error) error {
	return &Error{Kind: KindCapture, Op: "capture", Msg: fmt.Sprintf("tile %d", index), Err: err, Index: index}
}

// Planning reports a trajectory that could not be produced.
func Planning(format string, args ...any) error {
	return &Error{Kind: KindPlanning, Op: "plan", Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// CaptureIndex returns the failing tile index of a capture error, or 0.
func CaptureIndex(err error) int {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindCapture {
		return fe.Index
	}
	return 0
}
