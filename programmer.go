package nrfprog

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tocurd/go-nrfprog/ihex"
)

const (
	PhaseDump    = "dump"
	PhaseProgram = "program"
	PhaseVerify  = "verify"
)

// Mismatch is one byte that did not read back as written.
type Mismatch struct {
	Address  int
	Expected byte
	Actual   byte
}

func (m Mismatch) String() string {
	return fmt.Sprintf("error at address 0x%08X: 0x%02X != 0x%02X", m.Address, m.Actual, m.Expected)
}

// VerifyReport lists the bytes that differ after a write, plus any degraded
// reads or status polls met on the way.
type VerifyReport struct {
	Mismatches []Mismatch
	Warnings   []Warning
}

// OK reports whether the flash matched the image.
func (r VerifyReport) OK() bool { return len(r.Mismatches) == 0 }

type DumpResult struct {
	Length   int
	CRC32    uint32
	Warnings []Warning
}

// Programmer runs whole-image operations on an nRF24LE1 behind a bridge.
type Programmer struct {
	bridge *Bridge
	flash  *SPIFlash
	cfg    Config
	log    logrus.FieldLogger
}

// New wraps port. Call Open before any flash operation and Close when done.
func New(port Port, opts ...Option) *Programmer {
	b := NewBridge(port, opts...)
	return &Programmer{
		bridge: b,
		flash:  NewSPIFlash(b),
		cfg:    b.cfg,
		log:    b.log,
	}
}

/*
 * @Description: put the bridge in binary mode and configure SPI
 * @return error
 */
func (p *Programmer) Open() error {
	p.log.Info("setting the bridge to binary mode")
	if err := p.bridge.EnterBinaryMode(); err != nil {
		return err
	}
	p.log.Info("configuring SPI mode")
	return p.bridge.ConfigureSPIMode()
}

// Close puts the bridge back in normal mode and closes the port.
func (p *Programmer) Close() error {
	return p.bridge.Close()
}

/*
 * @Description: read the main flash or the info page and write it to w
 * @param infoPage read the 256 byte info page instead of the main flash
 * @param w sink, receives the blocks in address order
 * @return DumpResult
 * @return error
 */
func (p *Programmer) DumpImage(infoPage bool, w io.Writer) (DumpResult, error) {
	status, total := StatusReady, FlashSize
	if infoPage {
		status, total = StatusInfoEnable, InfoPageSize
	}
	if err := p.flash.WriteStatus(status); err != nil {
		return DumpResult{}, err
	}

	p.log.WithField("bytes", total).Info("starting read operation")
	res := DumpResult{Length: total}
	all := make([]byte, 0, total)
	blocks := (total + BlockSize - 1) / BlockSize
	for pos := 0; pos < total; pos += BlockSize {
		n := BlockSize
		if total-pos < n {
			n = total - pos
		}
		read, err := p.flash.ReadBlock(uint16(pos), n)
		res.Warnings = append(res.Warnings, read.Warnings...)
		if err != nil {
			return res, err
		}
		if _, err := w.Write(read.Data); err != nil {
			return res, errors.Wrap(err, "write dump")
		}
		all = append(all, read.Data...)
		p.cfg.progress(PhaseDump, pos/BlockSize+1, blocks)
	}
	res.CRC32 = ihex.Checksum(all)
	p.log.WithField("crc32", fmt.Sprintf("%08X", res.CRC32)).Info("read complete")
	return res, nil
}

/*
 * @Description: erase and program every block of img, then read the flash
 *               back and compare. The info page is unmapped first so it
 *               cannot be erased. Not resumable: an error leaves the flash
 *               partially written
 * @param img full flash image
 * @return VerifyReport OK() when the read-back matched
 * @return error transport failures, or degraded results in strict mode
 */
func (p *Programmer) ProgramImage(img *ihex.Image) (VerifyReport, error) {
	var report VerifyReport
	if img.Size() != FlashSize {
		return report, errors.Wrapf(ErrImageSize, "%d bytes", img.Size())
	}

	start := time.Now()
	p.log.WithFields(logrus.Fields{
		"bytes": img.Len(),
		"crc32": fmt.Sprintf("%08X", img.CRC32()),
	}).Info("writing image")

	if err := p.flash.WriteStatus(StatusReady); err != nil {
		return report, err
	}

	blocks := img.Size() / BlockSize
	for block := 0; block < blocks; block++ {
		addr := block * BlockSize
		erase, err := p.flash.EraseBlock(block)
		report.Warnings = append(report.Warnings, erase.Warnings...)
		if err != nil {
			return report, errors.Wrapf(err, "erase block %d", block)
		}
		prog, err := p.flash.ProgramBlock(uint16(addr), img.Slice(addr, BlockSize))
		report.Warnings = append(report.Warnings, prog.Warnings...)
		if err != nil {
			return report, errors.Wrapf(err, "program block %d", block)
		}
		p.log.WithField("block", block).Debug("block written")
		p.cfg.progress(PhaseProgram, block+1, blocks)
	}

	verify, err := p.Verify(img)
	verify.Warnings = append(report.Warnings, verify.Warnings...)
	if err != nil {
		return verify, err
	}
	p.log.WithFields(logrus.Fields{
		"mismatches": len(verify.Mismatches),
		"elapsed":    time.Since(start).String(),
	}).Info("write complete")
	return verify, nil
}

/*
 * @Description: read the flash back block by block and compare it with img
 *               over the image's logical length
 * @param img expected contents
 * @return VerifyReport
 * @return error
 */
func (p *Programmer) Verify(img *ihex.Image) (VerifyReport, error) {
	var report VerifyReport
	p.log.Info("verifying flash")

	got := make([]byte, 0, img.Size())
	blocks := img.Size() / BlockSize
	for block := 0; block < blocks; block++ {
		read, err := p.flash.ReadBlock(uint16(block*BlockSize), BlockSize)
		report.Warnings = append(report.Warnings, read.Warnings...)
		if err != nil {
			return report, errors.Wrapf(err, "verify block %d", block)
		}
		got = append(got, read.Data...)
		p.cfg.progress(PhaseVerify, block+1, blocks)
	}

	report.Mismatches = compareImage(img, got)
	for _, m := range report.Mismatches {
		p.log.WithField("addr", fmt.Sprintf("0x%04X", m.Address)).Error(m.String())
	}
	return report, nil
}

// EraseAll wipes the main flash with the info page unmapped.
func (p *Programmer) EraseAll() (StatusPoll, error) {
	if err := p.flash.WriteStatus(StatusReady); err != nil {
		return StatusPoll{}, err
	}
	p.log.Info("erasing flash")
	return p.flash.EraseAll()
}
