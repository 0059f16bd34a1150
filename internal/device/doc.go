// Package device implements the session with a coincidence counter over a
// serial link.
//
// A Session is opened all-or-nothing: the port is opened, the instrument's
// identity verified and its authoritative configuration read, or nothing is
// returned. Every operation is one request/response exchange bounded by the
// protocol timeout. Failures are reported as *abacus.CommunicationError,
// transient for timeouts and corrupt frames, fatal when the port itself fails.
// A fatal failure moves the session to StateFaulted; a faulted session must be
// closed and a new one opened.
package device
