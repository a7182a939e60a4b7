package nrfprog

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// nRF24LE1 flash geometry.
const (
	BlockSize    = 512
	BlockCount   = 64
	FlashSize    = BlockSize * BlockCount
	InfoPageSize = 256
)

type Opcode byte

const (
	OpWriteStatus  Opcode = 0x01
	OpProgram      Opcode = 0x02
	OpRead         Opcode = 0x03
	OpWriteDisable Opcode = 0x04
	OpReadStatus   Opcode = 0x05
	OpWriteEnable  Opcode = 0x06
	OpErasePage    Opcode = 0x52
	OpEraseAll     Opcode = 0x62
)

// Flash status register bits.
const (
	StatusInfoEnable  byte = 0x08 // INFEN, maps the info page over address 0
	StatusBusy        byte = 0x10 // RDYN
	StatusWriteEnable byte = 0x20 // WEN

	// StatusReady is the register value once an erase or program finished
	// with the info page unmapped.
	StatusReady byte = 0x00
)

// Transaction describes one SPI exchange with the flash.
type Transaction struct {
	Opcode     Opcode
	Address    uint16
	HasAddress bool
	Payload    []byte
	ReadLen    int
}

func (t Transaction) bytes() []byte {
	out := make([]byte, 0, 3+len(t.Payload))
	out = append(out, byte(t.Opcode))
	if t.HasAddress {
		out = append(out, be16(int(t.Address))...)
	}
	return append(out, t.Payload...)
}

// BlockRead is the outcome of ReadBlock. Bytes listed in Warnings could not
// be read and are left zero in Data.
type BlockRead struct {
	Data     []byte
	Warnings []Warning
}

// StatusPoll is the outcome of polling the status register.
type StatusPoll struct {
	Attempts int
	Ready    bool
	Last     byte
	Warnings []Warning
}

// SPIFlash speaks the nRF24LE1 flash command set through a Bridge.
type SPIFlash struct {
	bridge *Bridge
	cfg    Config
	log    logrus.FieldLogger
}

func NewSPIFlash(b *Bridge) *SPIFlash {
	return &SPIFlash{bridge: b, cfg: b.cfg, log: b.log}
}

/*
 * @Description: run a write-only transaction and wait for its ack
 * @param out opcode followed by its arguments
 * @param op operation name
 * @return error
 */
func (f *SPIFlash) Command(out []byte, op string) error {
	return f.bridge.spiTransaction(out, 0, f.cfg.TransactionSettle, op)
}

func (f *SPIFlash) WriteEnable() error {
	return f.Command(Transaction{Opcode: OpWriteEnable}.bytes(), "enable writing")
}

func (f *SPIFlash) WriteDisable() error {
	return f.Command(Transaction{Opcode: OpWriteDisable}.bytes(), "disable writing")
}

// WriteStatus sets the flash status register, e.g. StatusInfoEnable to map
// the info page.
func (f *SPIFlash) WriteStatus(v byte) error {
	return f.Command(Transaction{Opcode: OpWriteStatus, Payload: []byte{v}}.bytes(), "FSR register write")
}

/*
 * @Description: read length bytes starting at addr. Bytes the bridge fails to
 *               deliver are skipped and reported, the rest is still read
 * @param addr flash address
 * @param length bytes to read
 * @return BlockRead
 * @return error
 */
func (f *SPIFlash) ReadBlock(addr uint16, length int) (BlockRead, error) {
	tx := Transaction{Opcode: OpRead, Address: addr, HasAddress: true, ReadLen: length}
	if err := f.bridge.spiTransaction(tx.bytes(), tx.ReadLen, f.cfg.BufferSettle, "SPI read start"); err != nil {
		return BlockRead{}, err
	}

	res := BlockRead{Data: make([]byte, length)}
	missing, err := f.bridge.readStreamed(res.Data, f.cfg.ByteReadRetries)
	if err != nil {
		return res, err
	}
	for _, pos := range missing {
		w := Warning{Kind: WarnReadStarvation, Address: addr + uint16(pos), Op: "flash read"}
		f.log.WithField("addr", hex16(w.Address)).Warn("unable to read")
		res.Warnings = append(res.Warnings, w)
	}
	if f.cfg.Strict && len(res.Warnings) > 0 {
		return res, res.Warnings[0].err()
	}
	return res, nil
}

/*
 * @Description: write-enable, program data at addr and wait until the flash
 *               is ready again
 * @param addr flash address
 * @param data at most one block
 * @return StatusPoll
 * @return error
 */
func (f *SPIFlash) ProgramBlock(addr uint16, data []byte) (StatusPoll, error) {
	if err := f.WriteEnable(); err != nil {
		return StatusPoll{}, err
	}
	tx := Transaction{Opcode: OpProgram, Address: addr, HasAddress: true, Payload: data}
	if err := f.bridge.spiTransaction(tx.bytes(), 0, f.cfg.BufferSettle, "program"); err != nil {
		return StatusPoll{}, err
	}
	return f.waitForStatus("wait for program", addr, OpReadStatus, StatusReady, f.cfg.StatusPollAttempts)
}

// EraseBlock erases one 512 byte block and waits for completion.
func (f *SPIFlash) EraseBlock(index int) (StatusPoll, error) {
	if index < 0 || index >= BlockCount {
		return StatusPoll{}, errors.Errorf("block %d out of range", index)
	}
	if err := f.WriteEnable(); err != nil {
		return StatusPoll{}, err
	}
	if err := f.Command(Transaction{Opcode: OpErasePage, Payload: []byte{byte(index)}}.bytes(), "erase page"); err != nil {
		return StatusPoll{}, err
	}
	return f.waitForStatus("wait for erase", uint16(index*BlockSize), OpReadStatus, StatusReady, f.cfg.StatusPollAttempts)
}

// EraseAll erases the main flash; the info page survives unless it is mapped.
func (f *SPIFlash) EraseAll() (StatusPoll, error) {
	if err := f.WriteEnable(); err != nil {
		return StatusPoll{}, err
	}
	if err := f.Command(Transaction{Opcode: OpEraseAll}.bytes(), "erase all"); err != nil {
		return StatusPoll{}, err
	}
	return f.waitForStatus("wait for erase all", 0, OpReadStatus, StatusReady, f.cfg.StatusPollAttempts)
}

/*
 * @Description: repeat the status read until it returns expected. Giving up
 *               after maxAttempts is a warning, not an error, unless strict
 * @param opcode status read opcode
 * @param expected value that ends the poll
 * @param maxAttempts poll ceiling
 * @return StatusPoll
 * @return error
 */
func (f *SPIFlash) WaitForStatus(opcode Opcode, expected byte, maxAttempts int) (StatusPoll, error) {
	return f.waitForStatus("status poll", 0, opcode, expected, maxAttempts)
}

func (f *SPIFlash) waitForStatus(op string, addr uint16, opcode Opcode, expected byte, maxAttempts int) (StatusPoll, error) {
	var res StatusPoll
	tx := Transaction{Opcode: opcode, ReadLen: 1}
	var buf [1]byte
	for res.Attempts < maxAttempts {
		res.Attempts++
		if err := f.bridge.spiTransaction(tx.bytes(), tx.ReadLen, 0, "SPI CMD write"); err != nil {
			return res, err
		}
		missing, err := f.bridge.readStreamed(buf[:], f.cfg.StatusByteRetries)
		if err != nil {
			return res, err
		}
		if len(missing) > 0 {
			f.log.WithField("op", op).Warn("unable to read status")
			continue
		}
		res.Last = buf[0]
		if res.Last == expected {
			res.Ready = true
			return res, nil
		}
	}

	w := Warning{Kind: WarnStatusPollExhausted, Address: addr, Op: op}
	f.log.WithFields(logrus.Fields{
		"op":       op,
		"addr":     hex16(addr),
		"attempts": res.Attempts,
		"status":   hex8(res.Last),
	}).Warn("status never became ready")
	res.Warnings = append(res.Warnings, w)
	if f.cfg.Strict {
		return res, w.err()
	}
	return res, nil
}
