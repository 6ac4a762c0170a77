package sensorfeed

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutSerialPorter with configurable behaviour
// for testing. Reads drain ReadBuffer and return (0, nil) once it is empty,
// which mimics a real port whose read timeout elapsed.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// ReadError is returned by the next Read call once ReadBuffer is drained
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// MaxReadSize caps the bytes returned per Read to simulate fragmented
	// serial delivery. Zero means no cap.
	MaxReadSize int
}

// NewTestableSerialPort creates a new TestableSerialPort preloaded with data.
func NewTestableSerialPort(data string) *TestableSerialPort {
	return &TestableSerialPort{ReadBuffer: bytes.NewBufferString(data)}
}

// Read reads from the read buffer, returning ReadError once it is empty.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errPortClosed
	}

	if t.ReadBuffer.Len() == 0 {
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
		return 0, nil
	}

	if t.MaxReadSize > 0 && len(p) > t.MaxReadSize {
		p = p[:t.MaxReadSize]
	}
	return t.ReadBuffer.Read(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData appends data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.WriteString(data)
}

// FailNextRead makes the next Read after the buffer drains return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
}

// IsClosed reports whether Close has been called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// MockPortOpener hands out a queue of ports and records every open attempt.
type MockPortOpener struct {
	mu sync.Mutex

	// Ports are returned in order; the last one is reused once exhausted.
	Ports []SerialPorter

	// Errors are returned in order before any port is handed out. A nil entry
	// lets that attempt succeed.
	Errors []error

	// Calls records the options of every Open call.
	Calls []PortOptions
}

// NewMockPortOpener creates a MockPortOpener serving the given ports.
func NewMockPortOpener(ports ...SerialPorter) *MockPortOpener {
	return &MockPortOpener{Ports: ports}
}

// Open implements PortOpener.
func (m *MockPortOpener) Open(opts PortOptions) (SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, opts)

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		if err != nil {
			return nil, err
		}
	}

	if len(m.Ports) == 0 {
		return nil, errors.New("no mock port configured")
	}
	port := m.Ports[0]
	if len(m.Ports) > 1 {
		m.Ports = m.Ports[1:]
	}
	return port, nil
}

// CallCount returns the number of Open calls made so far.
func (m *MockPortOpener) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// fixturePort replays canned sensor lines at a fixed interval, for running
// the service without hardware.
type fixturePort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once
}

// NewFixturePort returns a PortOpener whose ports write each fixture line in
// turn every interval, looping forever.
func NewFixturePort(lines []string, interval time.Duration) PortOpener {
	return func(PortOptions) (SerialPorter, error) {
		if len(lines) == 0 {
			return nil, errors.New("no fixture lines")
		}
		r, w := io.Pipe()
		p := &fixturePort{r: r, w: w, done: make(chan struct{})}
		go p.replay(lines, interval)
		return p, nil
	}
}

func (p *fixturePort) replay(lines []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			line := lines[i%len(lines)]
			if _, err := io.WriteString(p.w, line+"\n"); err != nil {
				return
			}
		}
	}
}

func (p *fixturePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fixturePort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.w.Close()
		p.r.Close()
	})
	return nil
}
