// Package sensorfeed turns the line-oriented JSON stream from the wire
// proximity sensor into Readings. A Reader owns one serial connection at a
// time and reports each pull as a tagged Result, leaving reconnection policy
// to its caller.
package sensorfeed

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/autosteer/internal/monitoring"
)

var (
	// ErrDeviceUnavailable is returned by Open when the port cannot be opened.
	ErrDeviceUnavailable = errors.New("sensor device unavailable")
	// ErrTransport marks a fault on an established connection.
	ErrTransport = errors.New("sensor transport fault")
	// ErrNotOpen is returned when Next is called without an open connection.
	ErrNotOpen = errors.New("sensor connection not open")

	logf = monitoring.Componentf("sensorfeed")
)

// MaxLineLength bounds how many bytes are buffered while waiting for a newline.
const MaxLineLength = 4096

const readChunkSize = 512

// ResultKind tags the outcome of a single Next call.
type ResultKind int

const (
	// ResultEmpty means the read timeout elapsed without a complete line.
	ResultEmpty ResultKind = iota
	// ResultReading carries a decoded Reading.
	ResultReading
	// ResultDecodeFault means a complete line failed to decode; the
	// connection stays open.
	ResultDecodeFault
	// ResultTransportFault means the connection failed and has been closed.
	ResultTransportFault
)

func (k ResultKind) String() string {
	switch k {
	case ResultEmpty:
		return "empty"
	case ResultReading:
		return "reading"
	case ResultDecodeFault:
		return "decode_fault"
	case ResultTransportFault:
		return "transport_fault"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the tagged outcome of Reader.Next.
type Result struct {
	Kind    ResultKind
	Reading Reading
	// Line is the raw line for readings and decode faults.
	Line string
	// Err is set for decode and transport faults.
	Err error
}

// Reader pulls Readings from a serial sensor. A Reader may be reopened after a
// transport fault; it never reconnects on its own.
type Reader struct {
	opts   PortOptions
	opener PortOpener

	mu        sync.Mutex
	port      SerialPorter
	sessionID string
	pending   []byte
	buf       []byte
}

// NewReader validates opts and returns a closed Reader. Pass SerialOpener to
// talk to real hardware.
func NewReader(opts PortOptions, opener PortOpener) (*Reader, error) {
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = SerialOpener
	}
	return &Reader{
		opts:   normalized,
		opener: opener,
		buf:    make([]byte, readChunkSize),
	}, nil
}

// Options returns the normalized options the Reader opens with.
func (r *Reader) Options() PortOptions { return r.opts }

// Open acquires the serial port. Opening an already open Reader is a no-op.
func (r *Reader) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port != nil {
		return nil
	}

	port, err := r.opener(r.opts)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, r.opts.PortPath, err)
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(r.opts.ReadTimeout); err != nil {
			port.Close()
			return fmt.Errorf("%w: %s: set read timeout: %v", ErrDeviceUnavailable, r.opts.PortPath, err)
		}
	}

	r.port = port
	r.sessionID = uuid.New().String()
	r.pending = r.pending[:0]
	logf("opened %s (session %s)", r.opts, r.sessionID)
	return nil
}

// Connected reports whether the Reader currently holds an open port.
func (r *Reader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port != nil
}

// SessionID identifies the current connection, or the last one once closed.
func (r *Reader) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Next blocks until a complete line is available or one port read returns no
// data, then reports what it found. A transport fault closes the port before
// Next returns.
func (r *Reader) Next() Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return Result{Kind: ResultTransportFault, Err: ErrNotOpen}
	}

	for {
		if line, ok := r.takeLine(); ok {
			return decodeResult(line)
		}

		if len(r.pending) >= MaxLineLength {
			dropped := len(r.pending)
			r.pending = r.pending[:0]
			return Result{
				Kind: ResultDecodeFault,
				Err:  fmt.Errorf("%w: line exceeds %d bytes (%d buffered)", ErrDecode, MaxLineLength, dropped),
			}
		}

		n, err := r.port.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.buf[:n]...)
		}
		if err != nil {
			r.closeLocked()
			return Result{Kind: ResultTransportFault, Err: fmt.Errorf("%w: %v", ErrTransport, err)}
		}
		if n == 0 {
			return Result{Kind: ResultEmpty}
		}
	}
}

// takeLine removes the first complete line from the pending buffer.
func (r *Reader) takeLine() ([]byte, bool) {
	i := bytes.IndexByte(r.pending, '\n')
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, r.pending[:i])
	r.pending = append(r.pending[:0], r.pending[i+1:]...)
	return bytes.TrimRight(line, "\r"), true
}

func decodeResult(line []byte) Result {
	reading, err := DecodeReading(line)
	if err != nil {
		return Result{Kind: ResultDecodeFault, Line: string(line), Err: err}
	}
	return Result{Kind: ResultReading, Reading: reading, Line: string(line)}
}

// Close releases the serial port. It is safe to call on a closed Reader.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Reader) closeLocked() error {
	if r.port == nil {
		return nil
	}
	err := r.port.Close()
	r.port = nil
	r.pending = r.pending[:0]
	logf("closed %s (session %s)", r.opts.PortPath, r.sessionID)
	return err
}
