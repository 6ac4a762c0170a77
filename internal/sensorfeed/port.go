package sensorfeed

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Ports that implement it return (0, nil) from Read once the timeout elapses
// with no data, which the Reader reports as an empty result.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens the port described by opts. Readers take one of these so
// the real device can be swapped for a test or fixture port.
type PortOpener func(opts PortOptions) (SerialPorter, error)

// SerialOpener opens a real serial device with go.bug.st/serial and applies
// the configured read timeout.
func SerialOpener(opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(opts.PortPath, mode)
	if err != nil {
		return nil, err
	}

	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", opts.PortPath, err)
	}

	return port, nil
}

// ListPorts returns the serial ports visible to the host, used to give a
// helpful message when the configured device is missing.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
