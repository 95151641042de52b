package venue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport covers timeouts and connection failures. It counts against
	// the venue's breaker and the order may fail over.
	ErrTransport = errors.New("venue transport failure")
	// ErrFatal opens the breaker immediately, e.g. rejected credentials.
	ErrFatal = errors.New("venue fatal error")
	// ErrTooLateToCancel means the venue no longer holds a working order.
	ErrTooLateToCancel = errors.New("order no longer working at venue")
	ErrUnknownVenue    = errors.New("unknown venue")
	// ErrNotResumable means the venue kept no state for the order across a
	// restart and will never report on it again.
	ErrNotResumable = errors.New("venue cannot resume order")
)

// BusinessRejectError is a venue rule violation. It says nothing about venue
// health.
type BusinessRejectError struct {
	Venue  string
	Reason string
}

func (e *BusinessRejectError) Error() string {
	return fmt.Sprintf("venue %s rejected order: %s", e.Venue, e.Reason)
}

// Class groups adapter errors by how the router reacts to them.
type Class int

const (
	ClassNone Class = iota
	ClassTransport
	ClassFatal
	ClassBusiness
	ClassTooLate
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransport:
		return "transport"
	case ClassFatal:
		return "fatal"
	case ClassBusiness:
		return "business"
	case ClassTooLate:
		return "too_late"
	default:
		return "unknown"
	}
}

// Classify maps an adapter error onto a Class. Anything unrecognised is
// treated as a transport failure.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var br *BusinessRejectError
	switch {
	case errors.As(err, &br):
		return ClassBusiness
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrTooLateToCancel):
		return ClassTooLate
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	}
	return ClassTransport
}
