package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter for exercising a Link
// without hardware. Device output is queued with AddReadData and packet
// bytes are collected for GetWrittenData.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond

	device  bytes.Buffer
	written bytes.Buffer

	// One-shot failures, cleared once returned.
	ReadError  error
	WriteError error
	DrainError error

	// CloseError is returned by every Close.
	CloseError error

	// ShortWrite truncates every write to this many bytes when positive.
	ShortWrite int

	// BlockReads makes Read wait for device output instead of reporting
	// io.EOF when none is queued.
	BlockReads bool

	// IdleReads makes Read return (0, nil) when no output is queued, as a
	// real port does when its read timeout expires.
	IdleReads bool

	Closed      bool
	WriteCalls  int
	DrainCalls  int
	ReadTimeout time.Duration
}

func NewTestableSerialPort() *TestableSerialPort {
	t := &TestableSerialPort{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ReadError; err != nil {
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.device.Len() == 0 {
		t.cond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.IdleReads && t.device.Len() == 0 {
		return 0, nil
	}
	return t.device.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if err := t.WriteError; err != nil {
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite > 0 && len(p) > t.ShortWrite {
		p = p[:t.ShortWrite]
	}
	return t.written.Write(p)
}

// Drain implements Drainer.
func (t *TestableSerialPort) Drain() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.DrainCalls++
	if err := t.DrainError; err != nil {
		t.DrainError = nil
		return err
	}
	return nil
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.cond.Broadcast()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData queues output as if printed by the device.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.device.Write(data)
	t.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.written.Bytes())
}
