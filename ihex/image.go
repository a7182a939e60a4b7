package ihex

import (
	"github.com/pkg/errors"
	"github.com/snksoft/crc"
)

const (
	// ImageSize is the size of the flat image produced by the decoder.
	ImageSize = 32 * 1024

	// Erased is the value of an erased flash byte.
	Erased byte = 0xFF
)

var ErrImageSize = errors.New("image larger than flash")

// Image is a flat copy of the target flash. Bytes that no record touched
// hold the erased value. Length reports how far the hex source reached.
type Image struct {
	data   []byte
	length int
}

func newImage() *Image {
	m := &Image{data: make([]byte, ImageSize)}
	for i := range m.data {
		m.data[i] = Erased
	}
	return m
}

// FromBytes builds an image from a raw binary. The logical length is len(b).
func FromBytes(b []byte) (*Image, error) {
	if len(b) > ImageSize {
		return nil, errors.Wrapf(ErrImageSize, "%d bytes", len(b))
	}
	m := newImage()
	copy(m.data, b)
	m.length = len(b)
	return m, nil
}

// Len is the number of bytes covered by the source, counted from address 0.
func (m *Image) Len() int { return m.length }

// Size is the full padded size of the image.
func (m *Image) Size() int { return len(m.data) }

func (m *Image) At(addr int) byte { return m.data[addr] }

// Slice returns a copy of size bytes starting at addr.
func (m *Image) Slice(addr, size int) []byte {
	out := make([]byte, size)
	copy(out, m.data[addr:addr+size])
	return out
}

// Bytes returns a copy of the whole padded image.
func (m *Image) Bytes() []byte {
	return m.Slice(0, len(m.data))
}

// CRC32 is computed over the logical length only.
func (m *Image) CRC32() uint32 {
	return Checksum(m.data[:m.length])
}

// Checksum returns the IEEE CRC32 of b.
func Checksum(b []byte) uint32 {
	return uint32(crc.CalculateCRC(crc.CRC32, b))
}

func (m *Image) place(addr int, b []byte) error {
	if addr < 0 || addr+len(b) > len(m.data) {
		return errors.Wrapf(ErrAddressRange, "0x%05X+%d", addr, len(b))
	}
	copy(m.data[addr:], b)
	if end := addr + len(b); end > m.length {
		m.length = end
	}
	return nil
}
