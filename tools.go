package nrfprog

import (
	"encoding/binary"
	"fmt"

	"github.com/tocurd/go-nrfprog/ihex"
)

// be16 frames a length or address the way the bridge and the flash expect it.
func be16(v int) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return b[:]
}

func hex8(b byte) string {
	return fmt.Sprintf("0x%02X", b)
}

func hex16(v uint16) string {
	return fmt.Sprintf("0x%04X", v)
}

/*
 * @Description: compare read-back flash against the image over its logical length
 * @param img source image
 * @param got bytes read back from address 0
 * @return []Mismatch
 */
func compareImage(img *ihex.Image, got []byte) []Mismatch {
	var out []Mismatch
	for addr := 0; addr < img.Len() && addr < len(got); addr++ {
		if want := img.At(addr); got[addr] != want {
			out = append(out, Mismatch{Address: addr, Expected: want, Actual: got[addr]})
		}
	}
	return out
}
