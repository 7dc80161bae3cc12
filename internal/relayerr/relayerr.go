package relayerr

import (
	"errors"
	"fmt"
)

// Kind is a stable identifier for a class of failure. HTTP handlers map it to
// status codes, so values must not change.
type Kind string

const (
	KindNotConnected Kind = "not_connected"
	KindBusTimeout   Kind = "bus_timeout"
	KindBus          Kind = "bus_error"
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindStore        Kind = "store"
	KindUnknown      Kind = "error"
)

func (k Kind) Error() string { return string(k) }

// Error carries a Kind plus the operation and cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error or a bare Kind with the same kind, so
// errors.Is(err, relayerr.KindBusTimeout) works through wrapping.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}

func newErr(kind Kind, op string, err error, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func NotConnected(op string) error {
	return newErr(KindNotConnected, op, nil, "modbus client not connected")
}

func BusTimeout(op string, err error) error {
	return newErr(KindBusTimeout, op, err, "device did not respond in time")
}

func Bus(op string, err error) error {
	return newErr(KindBus, op, err, "")
}

func Validation(format string, args ...any) error {
	return newErr(KindValidation, "", nil, format, args...)
}

func NotFound(format string, args ...any) error {
	return newErr(KindNotFound, "", nil, format, args...)
}

func Store(op string, err error) error {
	return newErr(KindStore, op, err, "")
}
