package ihex

import (
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

const encodeLineLength = 16

// Encode writes data as Intel-HEX starting at base.
func Encode(w io.Writer, base uint32, data []byte) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(base, data); err != nil {
		return errors.Wrap(err, "add binary")
	}
	if err := mem.DumpIntelHex(w, encodeLineLength); err != nil {
		return errors.Wrap(err, "dump hex")
	}
	return nil
}
