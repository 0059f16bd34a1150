package device

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the transport surface a session needs. go.bug.st/serial ports
// satisfy it; so does the simulator.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds a single Read; a Read that times out returns (0, nil).
	SetReadTimeout(t time.Duration) error
	// ResetInputBuffer drops bytes received but not yet read.
	ResetInputBuffer() error
}

// Opener opens a port by name.
type Opener func(name string, baudRate int) (Port, error)

// Lister enumerates candidate port names.
type Lister func() ([]string, error)

// OpenSerial opens a real serial port in 8N1 mode.
//
//nolint:ireturn // Callers depend on the Port abstraction.
func OpenSerial(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	return port, nil
}

// ListSerial returns the serial ports present on the system.
func ListSerial() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}
