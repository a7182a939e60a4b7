package nrfprog

import (
	"io"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 10 * time.Millisecond
)

// Port is the byte stream the bridge is reached through. A Read that finds
// no data before the port's read timeout must return 0, nil.
// serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser

	// Drain blocks until everything written has been transmitted.
	Drain() error

	ResetInputBuffer() error
	ResetOutputBuffer() error
}

/*
 * @Description: open the serial device of the bridge, 8N1 without flow control
 * @param name device path, e.g. /dev/ttyUSB0
 * @param baud baud rate, the Bus Pirate uses 115200
 * @param readTimeout inter-byte timeout, reads return empty after it
 * @return serial.Port
 * @return error
 */
func OpenSerial(name string, baud int, readTimeout time.Duration) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, &LinkError{Op: "open " + name, Err: err}
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, &LinkError{Op: "set read timeout", Err: err}
	}
	return port, nil
}
