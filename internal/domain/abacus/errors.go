package abacus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrTimeout means the device did not answer within the protocol timeout.
	ErrTimeout = errors.New("device response timeout")
	// ErrCorruptFrame means a response failed framing or checksum validation.
	ErrCorruptFrame = errors.New("corrupt response frame")
	// ErrPortLost means the transport failed and the session cannot continue.
	ErrPortLost = errors.New("serial port lost")
	// ErrNotDevice means the port answered but not with the instrument's identity.
	ErrNotDevice = errors.New("port is not an abacus counter")
	// ErrSessionClosed means the session was closed or discarded.
	ErrSessionClosed = errors.New("device session closed")

	// ErrInvalidValue means a configuration value is outside what the instrument accepts.
	ErrInvalidValue = errors.New("invalid configuration value")
	// ErrInvalidTopology means the channel topology cannot be streamed.
	ErrInvalidTopology = errors.New("invalid channel topology")
	// ErrStreaming means the operation is not allowed while acquisition runs.
	ErrStreaming = errors.New("operation not allowed while streaming")
	// ErrInvalidOutput means the output file name is not usable.
	ErrInvalidOutput = errors.New("invalid output file")
)

// CommunicationError reports a failed exchange with the instrument.
// Transient errors may be retried on the next tick; all others require
// discarding the session and reconnecting.
type CommunicationError struct {
	// Op names the protocol operation, e.g. "read counters".
	Op string
	// Port is the serial port identifier.
	Port string
	// Transient is true for timeouts and corrupt frames on a live port.
	Transient bool
	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *CommunicationError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}

	if e.Port == "" {
		return fmt.Sprintf("communication (%s): %s: %v", kind, e.Op, e.Err)
	}

	return fmt.Sprintf("communication (%s) on %s: %s: %v", kind, e.Port, e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// ExperimentError is a local validation failure that leaves the session intact.
type ExperimentError struct {
	// Param names the rejected setting.
	Param string
	// Value is the rejected value when numeric.
	Value int
	// Min and Max bound a ranged setting; both zero when not applicable.
	Min, Max int
	// Step is the grid of a ranged setting.
	Step int
	// Allowed lists the accepted values of an enumerated setting.
	Allowed []int
	// Detail adds free-form context.
	Detail string
	// Err is the sentinel cause.
	Err error
}

// Error implements error.
func (e *ExperimentError) Error() string {
	var b strings.Builder

	b.WriteString(e.Param)

	switch {
	case len(e.Allowed) > 0:
		values := make([]string, len(e.Allowed))
		for i, v := range e.Allowed {
			values[i] = strconv.Itoa(v)
		}

		fmt.Fprintf(&b, ": %d is not one of [%s]", e.Value, strings.Join(values, " "))
	case e.Min == 0 && e.Max == 0:
	case e.Value < e.Min || e.Value > e.Max:
		fmt.Fprintf(&b, ": %d is outside [%d, %d]", e.Value, e.Min, e.Max)
	default:
		fmt.Fprintf(&b, ": %d", e.Value)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Err != nil {
		b.WriteString(" (")
		b.WriteString(e.Err.Error())
		b.WriteString(")")
	}

	return b.String()
}

// Unwrap returns the sentinel cause.
func (e *ExperimentError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed write of the data file or the ledger.
type PersistenceError struct {
	// Op names the file operation, e.g. "flush rows".
	Op string
	// Path is the file involved.
	Path string
	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the cause.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsCommunication reports whether err is a CommunicationError.
func IsCommunication(err error) bool {
	var target *CommunicationError

	return errors.As(err, &target)
}

// IsTransient reports whether err is a CommunicationError that can be retried.
func IsTransient(err error) bool {
	var target *CommunicationError

	return errors.As(err, &target) && target.Transient
}

// IsFatal reports whether err is a CommunicationError that requires a new session.
func IsFatal(err error) bool {
	var target *CommunicationError

	return errors.As(err, &target) && !target.Transient
}

// IsExperiment reports whether err is an ExperimentError.
func IsExperiment(err error) bool {
	var target *ExperimentError

	return errors.As(err, &target)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError

	return errors.As(err, &target)
}
