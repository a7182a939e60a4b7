package nrfprog

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Command byte

const (
	CommandBinaryReset  Command = 0x00 // answers "BBIO1"
	CommandSPI          Command = 0x01 // answers "SPI1"
	CommandSPIWriteRead Command = 0x04 // write-then-read SPI transaction
	CommandReset        Command = 0x0F // back to the user terminal
	CommandPeripherals  Command = 0x40 // | power, pull-ups, AUX, CS
	CommandSpeed        Command = 0x60 // | speed select
	CommandSPIConfig    Command = 0x80 // | output level, clock polarity/edge, sample
)

// All bridge commands answer with this byte on success.
const ResponseSuccess byte = 0x01

const (
	binarySignature = "BBIO1"
	spiSignature    = "SPI1"
)

const (
	Speed30kHz  byte = 0x00
	Speed125kHz byte = 0x01
	Speed250kHz byte = 0x02
	Speed1MHz   byte = 0x03
	Speed2MHz   byte = 0x04
	Speed2M6Hz  byte = 0x05
	Speed4MHz   byte = 0x06
	Speed8MHz   byte = 0x07
)

const (
	ConfigOutput3V3     byte = 0x08
	ConfigClockPolarity byte = 0x04
	ConfigClockEdge     byte = 0x02
	ConfigSampleEnd     byte = 0x01
)

const (
	PeripheralPower   byte = 0x08
	PeripheralPullups byte = 0x04
	PeripheralAux     byte = 0x02
	PeripheralCS      byte = 0x01
)

type Mode int

const (
	ModeUnknown Mode = iota
	ModeBinaryRoot
	ModeSPIConfigured
	ModeReturning
)

func (m Mode) String() string {
	switch m {
	case ModeUnknown:
		return "unknown"
	case ModeBinaryRoot:
		return "binary"
	case ModeSPIConfigured:
		return "spi"
	case ModeReturning:
		return "returning"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// spiSetup is sent after entering SPI mode. The AUX pin drives the target's
// reset line: it is raised with the supply, dropped to reset the chip and
// raised again together with CS to release it.
var spiSetup = []struct {
	cmd byte
	op  string
}{
	{byte(CommandSpeed) | Speed30kHz, "SPI set speed"},
	{byte(CommandSPIConfig) | ConfigOutput3V3 | ConfigClockEdge, "SPI configuration"},
	{byte(CommandPeripherals) | PeripheralPower | PeripheralAux, "SPI power and AUX on"},
	{byte(CommandPeripherals) | PeripheralPower, "SPI AUX off"},
	{byte(CommandPeripherals) | PeripheralPower | PeripheralAux | PeripheralCS, "SPI AUX on"},
}

// Bridge drives the binary protocol of a Bus Pirate style USB-to-serial
// bridge. It owns the port; after a fatal error the port is closed and every
// further call fails with ErrClosed.
type Bridge struct {
	port   Port
	cfg    Config
	log    logrus.FieldLogger
	mode   Mode
	closed bool
}

func NewBridge(port Port, opts ...Option) *Bridge {
	if port == nil {
		panic("port cannot be nil")
	}
	cfg := buildConfig(opts)
	return &Bridge{
		port: port,
		cfg:  cfg,
		log:  cfg.Logger,
	}
}

func (b *Bridge) Mode() Mode { return b.mode }

/*
 * @Description: enter binary mode. Sends the reset byte until the bridge answers
 *               with the binary mode signature
 * @return error ErrHandshakeTimeout once the attempts are used up
 */
func (b *Bridge) EnterBinaryMode() error {
	if b.closed {
		return ErrClosed
	}
	for attempt := 1; attempt <= b.cfg.HandshakeAttempts; attempt++ {
		// Stale bytes would shift the signature.
		if err := b.drainInput(); err != nil {
			return err
		}
		if err := b.sendCommand(byte(CommandBinaryReset)); err != nil {
			return err
		}
		resp, err := b.readUpTo(len(binarySignature))
		if err != nil {
			return err
		}
		if string(resp) == binarySignature {
			b.log.WithField("attempt", attempt).Debug("bridge in binary mode")
			b.mode = ModeBinaryRoot
			return nil
		}
	}
	b.log.Error("unable to put the bridge in binary mode")
	return errors.Wrapf(ErrHandshakeTimeout, "%d attempts", b.cfg.HandshakeAttempts)
}

/*
 * @Description: switch to SPI mode, then set speed, pin levels and reset the
 *               target through the AUX pin
 * @return error
 */
func (b *Bridge) ConfigureSPIMode() error {
	if b.closed {
		return ErrClosed
	}
	if b.mode != ModeBinaryRoot {
		return errors.Errorf("configure SPI from %s mode", b.mode)
	}

	if err := b.sendCommand(byte(CommandSPI)); err != nil {
		return b.fail("SPI mode entry", err)
	}
	resp, err := b.readUpTo(len(spiSignature))
	if err != nil {
		return b.fail("SPI mode entry", err)
	}
	if string(resp) != spiSignature {
		desync := &DesyncError{Op: "SPI mode entry", Want: spiSignature[0], Timeout: len(resp) == 0}
		if len(resp) > 0 {
			desync.Got = resp[0]
		}
		return b.fail(desync.Op, desync)
	}

	for _, step := range spiSetup {
		if err := b.sendCommand(step.cmd); err != nil {
			return b.fail(step.op, err)
		}
		if err := b.awaitAck(step.op); err != nil {
			return err
		}
	}
	b.mode = ModeSPIConfigured
	return nil
}

/*
 * @Description: reset state. Returns the bridge to its normal terminal mode.
 *               Safe to call in any mode. Running out of reset attempts is
 *               reported with ErrResetExhausted but leaves the session usable
 *               for Close
 * @return error
 */
func (b *Bridge) ExitBinaryMode() error {
	if b.closed {
		return ErrClosed
	}
	if err := b.EnterBinaryMode(); err != nil {
		return err
	}

	b.mode = ModeReturning
	for attempt := 1; attempt <= b.cfg.ResetAttempts; attempt++ {
		if err := b.flush(); err != nil {
			return err
		}
		if err := b.sendCommand(byte(CommandReset)); err != nil {
			return err
		}
		c, ok, err := b.readByte()
		if err != nil {
			return err
		}
		if ok && c == ResponseSuccess {
			b.mode = ModeUnknown
			return nil
		}
	}
	b.mode = ModeUnknown
	b.log.Warn("bridge did not confirm the reset, power cycle it")
	return errors.Wrapf(ErrResetExhausted, "%d attempts", b.cfg.ResetAttempts)
}

// Close returns the bridge to normal mode, if it was ever taken out of it,
// and closes the port.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	var exitErr error
	if b.mode != ModeUnknown {
		exitErr = b.ExitBinaryMode()
	}
	if err := b.closePort(); err != nil {
		return err
	}
	return exitErr
}

/*
 * @Description: wait for the ack byte. A desync cannot be repaired mid-session, so any
 *               answer other than the success code, or none at all, tears the
 *               session down
 * @param op operation named in the log and the error
 * @return error *DesyncError
 */
func (b *Bridge) awaitAck(op string) error {
	for attempt := 0; attempt < b.cfg.AckAttempts; attempt++ {
		c, ok, err := b.readByte()
		if err != nil {
			return b.fail(op, err)
		}
		if !ok {
			time.Sleep(b.cfg.AckPollInterval)
			continue
		}
		if c != ResponseSuccess {
			return b.fail(op, &DesyncError{Op: op, Got: c, Want: ResponseSuccess})
		}
		return nil
	}
	return b.fail(op, &DesyncError{Op: op, Want: ResponseSuccess, Timeout: true})
}

func (b *Bridge) fail(op string, err error) error {
	b.log.WithField("op", op).WithError(err).Error("setting the bridge back to normal")
	if exitErr := b.ExitBinaryMode(); exitErr != nil {
		b.log.WithError(exitErr).Warn("bridge reset failed")
	}
	if closeErr := b.closePort(); closeErr != nil {
		b.log.WithError(closeErr).Warn("closing port")
	}
	return err
}

func (b *Bridge) closePort() error {
	b.closed = true
	b.mode = ModeUnknown
	if err := b.port.Close(); err != nil {
		return &LinkError{Op: "close", Err: err}
	}
	return nil
}

// sendCommand writes a single command byte and gives the bridge firmware
// CommandSettle to react.
func (b *Bridge) sendCommand(c byte) error {
	b.log.WithField("cmd", hex8(c)).Debug("bridge command")
	if err := b.writeBytes([]byte{c}); err != nil {
		return err
	}
	time.Sleep(b.cfg.CommandSettle)
	return nil
}

// writeBytes sends buf one byte per write; the bridge firmware does not cope
// with bursts at this level.
func (b *Bridge) writeBytes(buf []byte) error {
	if err := b.port.Drain(); err != nil {
		return &LinkError{Op: "drain", Err: err}
	}
	for _, c := range buf {
		if _, err := b.port.Write([]byte{c}); err != nil {
			return &LinkError{Op: "write", Err: err}
		}
	}
	if err := b.port.Drain(); err != nil {
		return &LinkError{Op: "drain", Err: err}
	}
	return nil
}

// readByte reads one byte. ok is false when nothing arrived within the
// port's read timeout.
func (b *Bridge) readByte() (c byte, ok bool, err error) {
	var buf [1]byte
	n, err := b.port.Read(buf[:])
	if err != nil {
		return 0, false, &LinkError{Op: "read", Err: err}
	}
	return buf[0], n == 1, nil
}

// readUpTo reads at most n bytes, stopping at the first empty read.
func (b *Bridge) readUpTo(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		c, ok, err := b.readByte()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// readStreamed fills buf with the bytes that follow a transaction's ack.
// A byte that is still missing after retries is skipped and its index
// returned; the bytes after it are still read.
func (b *Bridge) readStreamed(buf []byte, retries int) ([]int, error) {
	var missing []int
	for pos := range buf {
		for try := 0; ; try++ {
			c, ok, err := b.readByte()
			if err != nil {
				return missing, err
			}
			if ok {
				buf[pos] = c
				break
			}
			if try >= retries {
				missing = append(missing, pos)
				break
			}
			time.Sleep(b.cfg.ByteRetryBackoff)
		}
	}
	return missing, nil
}

func (b *Bridge) drainInput() error {
	if err := b.port.ResetInputBuffer(); err != nil {
		return &LinkError{Op: "flush input", Err: err}
	}
	return nil
}

func (b *Bridge) flush() error {
	if err := b.port.Drain(); err != nil {
		return &LinkError{Op: "drain", Err: err}
	}
	if err := b.drainInput(); err != nil {
		return err
	}
	if err := b.port.ResetOutputBuffer(); err != nil {
		return &LinkError{Op: "flush output", Err: err}
	}
	return nil
}

/*
 * @Description: run one SPI write/read transaction up to its ack. The
 *               readLen response bytes follow and are left to the caller
 * @param out bytes clocked out to the target
 * @param readLen bytes the bridge clocks in afterwards
 * @param settle time the bridge needs before it acks
 * @param op operation name
 * @return error
 */
func (b *Bridge) spiTransaction(out []byte, readLen int, settle time.Duration, op string) error {
	if b.closed {
		return ErrClosed
	}
	if b.mode != ModeSPIConfigured {
		return errors.Wrap(ErrNotConfigured, op)
	}
	b.log.WithFields(logrus.Fields{"op": op, "write": len(out), "read": readLen}).Debug("spi transaction")

	if err := b.sendCommand(byte(CommandSPIWriteRead)); err != nil {
		return err
	}
	if err := b.writeBytes(be16(len(out))); err != nil {
		return err
	}
	if err := b.writeBytes(be16(readLen)); err != nil {
		return err
	}
	if err := b.writeBytes(out); err != nil {
		return err
	}
	time.Sleep(settle)
	return b.awaitAck(op)
}
