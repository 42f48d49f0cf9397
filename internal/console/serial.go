package console

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

var openPort = func(device string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(device, mode)
}

// OpenSerial opens device as 8N1 at baud.
func OpenSerial(device string, baud int) (io.ReadWriteCloser, error) {
	if device == "" {
		return nil, fmt.Errorf("console: serial device is empty")
	}
	if baud <= 0 {
		baud = 115200
	}
	p, err := openPort(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("console: open %s: %w", device, err)
	}
	return p, nil
}
