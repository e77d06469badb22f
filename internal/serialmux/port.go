package serialmux

import (
	"io"
	"time"
)

// SerialPorter is the minimal interface needed to drive the actuator. It lets
// the link run against test doubles without serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports that support a read timeout.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// Drainer is implemented by ports that can block until queued output has been
// transmitted.
type Drainer interface {
	Drain() error
}
