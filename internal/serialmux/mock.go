package serialmux

import (
	"bytes"
	"sync"
	"time"

	"github.com/openarm/armlink/internal/protocol"
)

// SimulatedArm is an in-memory controller. Every SET_JOINT_ANGLE frame
// written to it is answered with an ACK echoing the checksum, followed by a
// TELEMETRY frame reporting the commanded angles. Reads block until a reply
// is available or the port is closed.
type SimulatedArm struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	in     *protocol.Reader
	angles protocol.JointAngles
	closed bool
}

// NewSimulatedArm returns an open simulated controller.
func NewSimulatedArm() *SimulatedArm {
	a := &SimulatedArm{}
	a.cond = sync.NewCond(&a.mu)
	a.in = protocol.NewReader(a.handle, nil)
	return a
}

// handle runs with a.mu held, from inside Write.
func (a *SimulatedArm) handle(p protocol.Packet) {
	if p.Command != protocol.CmdSetJointAngle {
		return
	}
	angles, err := protocol.DecodeJointAngles(p)
	if err != nil {
		return
	}
	a.angles = angles
	ack, _ := protocol.Encode(protocol.CmdAck, []byte{p.Checksum})
	a.out.Write(ack)
	a.out.Write(protocol.EncodeTelemetry(angles))
	a.cond.Broadcast()
}

func (a *SimulatedArm) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrPortClosed
	}
	return a.in.Write(p)
}

func (a *SimulatedArm) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for !a.closed && a.out.Len() == 0 {
		a.cond.Wait()
	}
	if a.closed {
		return 0, ErrPortClosed
	}
	return a.out.Read(p)
}

func (a *SimulatedArm) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.cond.Broadcast()
	return nil
}

// Angles returns the last angles the simulated controller accepted.
func (a *SimulatedArm) Angles() protocol.JointAngles {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.angles
}

// NewMockSerialMux creates a SerialMux wired to a SimulatedArm, for --dev.
func NewMockSerialMux(opts ...Option) (*SerialMux[*SimulatedArm], *SimulatedArm) {
	arm := NewSimulatedArm()
	return NewSerialMux(arm, opts...), arm
}

// TestableSerialPort implements TimeoutSerialPorter with configurable
// behaviour for testing: scripted reads, captured writes, injected errors
// and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Writes records each Write call's bytes and the time it happened.
	Writes     [][]byte
	WriteTimes []time.Time

	ReadLatency  time.Duration
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	CloseError error
	Closed     bool

	ReadCalls  int
	WriteCalls int

	// ReadTimeout is the last value passed to SetReadTimeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read returns buffered data. An empty, non-blocking port reads io.EOF.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 && t.ReadError == nil {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, ErrPortClosed
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write captures p, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	t.Writes = append(t.Writes, append([]byte(nil), p...))
	t.WriteTimes = append(t.WriteTimes, time.Now())
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// FailNextRead makes the next Read return err, waking a blocked reader.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// FailNextWrite makes the next Write return err.
func (t *TestableSerialPort) FailNextWrite(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteError = err
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// WrittenFrames returns a copy of each recorded Write.
func (t *TestableSerialPort) WrittenFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([][]byte, len(t.Writes))
	for i, w := range t.Writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WriteTimestamps returns when each recorded Write happened.
func (t *TestableSerialPort) WriteTimestamps() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]time.Time(nil), t.WriteTimes...)
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.Writes = nil
	t.WriteTimes = nil
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.ReadLatency = 0
	t.WriteLatency = 0
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *SerialPortMode
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
