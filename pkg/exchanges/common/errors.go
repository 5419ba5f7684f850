package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrExchangeTransient marks a definite non-acceptance that may succeed on retry.
	ErrExchangeTransient = errors.New("exchange transient error")
	// ErrExchangeRejected marks a business rejection; retrying the same request will not help.
	ErrExchangeRejected = errors.New("exchange rejected request")
	// ErrAmbiguous marks an outcome where the request may or may not have been applied.
	ErrAmbiguous = errors.New("exchange outcome unknown")
)

// APIError is a non-2xx response from the venue.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Label   string // venue error label, e.g. INSUFFICIENT_AVAILABLE
	Message string
}

func (e *APIError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("%s %s status %d: %s %s", e.Method, e.Path, e.Status, e.Label, e.Message)
	}
	return fmt.Sprintf("%s %s status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Is maps the status onto the error taxonomy. A 5xx without a venue label may
// have come from a proxy after the order was accepted, so it stays ambiguous.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrExchangeTransient:
		return e.Status == 429 || (e.Status >= 500 && e.Label != "")
	case ErrExchangeRejected:
		return e.Status >= 400 && e.Status < 500 && e.Status != 429
	case ErrAmbiguous:
		return e.Status >= 500 && e.Label == ""
	}
	return false
}

// Class is the retry classification of an exchange call outcome.
type Class int

const (
	ClassOK Class = iota
	ClassTransient
	ClassRejected
	ClassAmbiguous
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	}
	return "ambiguous"
}

// Classify sorts an error into the taxonomy. Network failures after the request
// may have left the process are ambiguous; dial failures never reached the venue.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	switch {
	case errors.Is(err, ErrExchangeRejected):
		return ClassRejected
	case errors.Is(err, ErrExchangeTransient):
		return ClassTransient
	case errors.Is(err, ErrAmbiguous):
		return ClassAmbiguous
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
		return ClassAmbiguous
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassAmbiguous
	}
	return ClassAmbiguous
}
