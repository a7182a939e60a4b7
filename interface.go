package nrfprog

import (
	"io"

	"github.com/tocurd/go-nrfprog/ihex"
)

type Interface interface {
	// Bridge to binary mode, then SPI mode
	Open() error

	// Read the main flash or the info page
	DumpImage(infoPage bool, w io.Writer) (DumpResult, error)

	// Erase, program and verify a whole image
	ProgramImage(img *ihex.Image) (VerifyReport, error)

	// Read back and compare
	Verify(img *ihex.Image) (VerifyReport, error)

	// Erase the main flash
	EraseAll() (StatusPoll, error)

	// Bridge back to normal mode, close the port
	Close() error
}

var _ Interface = (*Programmer)(nil)
