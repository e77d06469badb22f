package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// openPort is replaced in tests.
var openPort = serial.Open

// NewRealLink opens the serial port at path with opts and returns a Link
// over it.
func NewRealLink(path string, opts PortOptions) (*Link[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout()); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}

	return NewLink[serial.Port](port), nil
}
