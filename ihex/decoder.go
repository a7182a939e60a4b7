// Package ihex turns Intel-HEX text into a flat flash image.
//
// The decoder is forgiving: lines that are not records are
// skipped, checksum failures and unsupported record types are reported as
// warnings and decoding carries on. WithStrict turns those warnings into
// errors.
package ihex

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrChecksum          = errors.New("record checksum mismatch")
	ErrUnsupportedRecord = errors.New("unsupported record type")
	ErrAddressRange      = errors.New("record outside image")
)

const recordMark = ':'

type RecordType byte

const (
	RecordData                   RecordType = 0x00
	RecordEOF                    RecordType = 0x01
	RecordExtendedSegmentAddress RecordType = 0x02
	RecordStartSegmentAddress    RecordType = 0x03
	RecordExtendedLinearAddress  RecordType = 0x04
	RecordStartLinearAddress     RecordType = 0x05
)

func (t RecordType) String() string {
	switch t {
	case RecordData:
		return "Data"
	case RecordEOF:
		return "EOF"
	case RecordExtendedSegmentAddress:
		return "ExtendedSegmentAddress"
	case RecordStartSegmentAddress:
		return "StartSegmentAddress"
	case RecordExtendedLinearAddress:
		return "ExtendedLinearAddress"
	case RecordStartLinearAddress:
		return "StartLinearAddress"
	}
	return fmt.Sprintf("RecordType(0x%02X)", byte(t))
}

// AddressMode selects how an ExtendedLinearAddress record's two data bytes
// become the upper address half.
type AddressMode int

const (
	// AddressAND combines the bytes as (b0<<8) & b1, which is what the
	// programmer this tool replaces has always done. It yields 0 for every
	// input, so images never leave the first 64 KiB.
	AddressAND AddressMode = iota

	// AddressBigEndian loads the bytes as a big-endian 16-bit value, as the
	// Intel-HEX format defines it.
	AddressBigEndian
)

// Record is one decoded line.
type Record struct {
	Length   byte
	Offset   uint16
	Type     RecordType
	Data     []byte
	Checksum byte
}

// Sum is the checksum the record should carry.
func (r *Record) Sum() byte {
	var sum byte
	for _, b := range r.Data {
		sum += b
	}
	sum += r.Length + byte(r.Type) + byte(r.Offset) + byte(r.Offset>>8)
	return byte(0x100 - int(sum))
}

// SyntaxError reports a record line that could not be decoded.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

type WarningKind int

const (
	WarnChecksum WarningKind = iota + 1
	WarnUnsupportedRecord
)

// Warning describes a record that was not decoded cleanly but did not stop
// the load.
type Warning struct {
	Kind     WarningKind
	Line     int
	Type     RecordType
	Expected byte
	Actual   byte
}

func (w Warning) String() string {
	switch w.Kind {
	case WarnChecksum:
		return fmt.Sprintf("checksum error on line %d (%02X != %02X)", w.Line, w.Expected, w.Actual)
	case WarnUnsupportedRecord:
		return fmt.Sprintf("unsupported %s record on line %d", w.Type, w.Line)
	}
	return fmt.Sprintf("warning on line %d", w.Line)
}

type Option func(*Decoder)

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

func WithStrict(strict bool) Option {
	return func(d *Decoder) { d.strict = strict }
}

func WithAddressMode(mode AddressMode) Option {
	return func(d *Decoder) { d.mode = mode }
}

// Decoder parses Intel-HEX text. A Decoder keeps the warnings of the last
// Decode call and is not safe for concurrent use.
type Decoder struct {
	log      logrus.FieldLogger
	strict   bool
	mode     AddressMode
	warnings []Warning
}

func NewDecoder(opts ...Option) *Decoder {
	discard := logrus.New()
	discard.Out = io.Discard
	d := &Decoder{log: discard}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Warnings returns the warnings raised by the last Decode.
func (d *Decoder) Warnings() []Warning {
	return d.warnings
}

// Decode reads records from r until an EOF record or the end of input.
func (d *Decoder) Decode(r io.Reader) (*Image, error) {
	d.warnings = nil
	img := newImage()
	var high uint16

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n\t ")
		if len(text) == 0 || text[0] != recordMark {
			continue
		}

		rec, err := parseRecord(text[1:])
		if err != nil {
			return nil, &SyntaxError{Line: line, Err: err}
		}

		if want := rec.Sum(); want != rec.Checksum {
			if err := d.warn(Warning{Kind: WarnChecksum, Line: line, Type: rec.Type, Expected: want, Actual: rec.Checksum}); err != nil {
				return nil, err
			}
		}

		switch rec.Type {
		case RecordData:
			addr := int(high)<<16 + int(rec.Offset)
			if err := img.place(addr, rec.Data); err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
		case RecordEOF:
			if rec.Length == 0 {
				return img, nil
			}
		case RecordExtendedLinearAddress:
			if len(rec.Data) < 2 {
				return nil, &SyntaxError{Line: line, Err: errors.New("short extended linear address")}
			}
			high = d.addressHigh(rec.Data[0], rec.Data[1])
			d.log.WithFields(logrus.Fields{"line": line, "high": fmt.Sprintf("0x%04X", high)}).Debug("extended linear address")
		default:
			if err := d.warn(Warning{Kind: WarnUnsupportedRecord, Line: line, Type: rec.Type}); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read hex")
	}
	return img, nil
}

func (d *Decoder) addressHigh(b0, b1 byte) uint16 {
	if d.mode == AddressBigEndian {
		return uint16(b0)<<8 | uint16(b1)
	}
	return (uint16(b0) << 8) & uint16(b1)
}

func (d *Decoder) warn(w Warning) error {
	d.warnings = append(d.warnings, w)
	d.log.WithField("line", w.Line).Warn(w.String())
	if !d.strict {
		return nil
	}
	switch w.Kind {
	case WarnChecksum:
		return errors.Wrapf(ErrChecksum, "line %d", w.Line)
	default:
		return errors.Wrapf(ErrUnsupportedRecord, "%s on line %d", w.Type, w.Line)
	}
}

// parseRecord decodes the part of a record line after the colon. Characters
// past the checksum are ignored.
func parseRecord(s string) (*Record, error) {
	if len(s) < 10 {
		return nil, errors.New("record too short")
	}
	head, err := hex.DecodeString(s[:8])
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Length: head[0],
		Offset: uint16(head[1])<<8 | uint16(head[2]),
		Type:   RecordType(head[3]),
	}

	end := 8 + 2*int(rec.Length) + 2
	if len(s) < end {
		return nil, errors.Errorf("record declares %d data bytes, line holds %d", rec.Length, (len(s)-10)/2)
	}
	body, err := hex.DecodeString(s[8:end])
	if err != nil {
		return nil, err
	}
	rec.Data = body[:rec.Length]
	rec.Checksum = body[rec.Length]
	return rec, nil
}

// Decode is a shorthand for NewDecoder(opts...).Decode(r).
func Decode(r io.Reader, opts ...Option) (*Image, []Warning, error) {
	d := NewDecoder(opts...)
	img, err := d.Decode(r)
	return img, d.Warnings(), err
}

func DecodeFile(path string, opts ...Option) (*Image, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return Decode(f, opts...)
}
