package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkFailure matches any *LinkError.
	ErrLinkFailure = errors.New("transport: link failure")
	// ErrLinkLost is the cause reported to operations cut short by a disconnect.
	ErrLinkLost = errors.New("transport: link lost")
	// ErrUnknownEndpoint is returned for an endpoint name the endpoint map cannot resolve.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
	// ErrBusy is returned when a send is attempted while another is pending.
	ErrBusy = errors.New("transport: operation already pending")
	// ErrNotConfigured is returned when the link is not ready for provisioning.
	ErrNotConfigured = errors.New("transport: peripheral not configured for provisioning")
	// ErrWriteFailure matches an *IOError from a failed write.
	ErrWriteFailure = errors.New("transport: write failed")
	// ErrReadFailure matches an *IOError from a failed read.
	ErrReadFailure = errors.New("transport: read failed")
)

// LinkError reports a radio link drop or a failed connect. It is fatal to
// the current connection.
type LinkError struct {
	Address string
	Err     error
}

func (e *LinkError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("transport: link failure: %v", e.Err)
	}
	return fmt.Sprintf("transport: link failure (%s): %v", e.Address, e.Err)
}

func (e *LinkError) Unwrap() []error { return []error{ErrLinkFailure, e.Err} }

// Op names the physical operation of an IOError.
type Op string

const (
	OpWrite Op = "write"
	OpRead  Op = "read"
)

// IOError reports a failed characteristic write or read on an accepted
// operation.
type IOError struct {
	Op   Op
	Char string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Char, e.Err)
}

func (e *IOError) Unwrap() []error {
	kind := ErrReadFailure
	if e.Op == OpWrite {
		kind = ErrWriteFailure
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}
