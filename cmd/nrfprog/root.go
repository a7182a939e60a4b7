package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nrfprog "github.com/tocurd/go-nrfprog"
	"github.com/tocurd/go-nrfprog/ihex"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "nrfprog PORT [FILE]",
	Short: "Program an nRF24LE1 through a Bus Pirate",
	Long: `Read or write the flash of an nRF24LE1 through a Bus Pirate in binary SPI mode.

The info page is always backed up first. Without FILE nothing else happens.
If FILE can be opened it is programmed as Intel-HEX and verified, otherwise
the main flash is dumped into it (as Intel-HEX when it ends in .hex or .ihx).`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			log.SetLevel(logrus.DebugLevel)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := connect(cmd, args[0])
		if err != nil {
			return err
		}
		defer closeProgrammer(p)

		if err := backupInfoPage(cmd, p); err != nil {
			return err
		}
		if len(args) == 1 {
			return nil
		}

		src, err := os.Open(args[1])
		if err != nil {
			return dumpFlash(p, args[1])
		}
		src.Close()
		return programFile(cmd, p, args[1])
	},
}

func init() {
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	rootCmd.PersistentFlags().Int("baud", nrfprog.DefaultBaudRate, "Serial baud rate of the bridge")
	rootCmd.PersistentFlags().Duration("read-timeout", nrfprog.DefaultReadTimeout, "Serial inter-byte read timeout")
	rootCmd.PersistentFlags().Bool("strict", false, "Fail on unreadable bytes, stuck status polls and bad hex records")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Trace every bridge command")
	rootCmd.Flags().String("info-backup", "info_page.dat", "Where the info page backup is written")
	rootCmd.Flags().Bool("be-address", false, "Read extended linear address records as big-endian")
}

// connect opens the serial port and brings the bridge into SPI mode.
func connect(cmd *cobra.Command, name string) (*nrfprog.Programmer, error) {
	baud, _ := cmd.Flags().GetInt("baud")
	timeout, _ := cmd.Flags().GetDuration("read-timeout")
	strict, _ := cmd.Flags().GetBool("strict")

	port, err := nrfprog.OpenSerial(name, baud, timeout)
	if err != nil {
		return nil, err
	}
	p := nrfprog.New(port,
		nrfprog.WithLogger(log),
		nrfprog.WithStrict(strict),
		nrfprog.WithProgress(progress),
	)
	if err := p.Open(); err != nil {
		closeProgrammer(p)
		return nil, err
	}
	return p, nil
}

func closeProgrammer(p *nrfprog.Programmer) {
	if err := p.Close(); err != nil {
		log.WithError(err).Warn("closing bridge")
	}
}

func progress(phase string, block, total int) {
	log.WithFields(logrus.Fields{"phase": phase, "block": block, "total": total}).Debug("progress")
}

func backupInfoPage(cmd *cobra.Command, p *nrfprog.Programmer) error {
	path, _ := cmd.Flags().GetString("info-backup")
	log.WithField("file", path).Info("backing up info page")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "info page backup")
	}
	res, err := p.DumpImage(true, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "info page backup")
	}
	logWarnings(res.Warnings)
	return err
}

func dumpFlash(p *nrfprog.Programmer, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "dump")
	}
	defer f.Close()

	asHex := isHexName(path)
	var w io.Writer = f
	var buf bytes.Buffer
	if asHex {
		w = &buf
	}
	res, err := p.DumpImage(false, w)
	logWarnings(res.Warnings)
	if err != nil {
		return err
	}
	if asHex {
		if err := ihex.Encode(f, 0, buf.Bytes()); err != nil {
			return errors.Wrap(err, "dump")
		}
	}
	log.WithFields(logrus.Fields{
		"file":  path,
		"bytes": res.Length,
		"crc32": fmt.Sprintf("%08X", res.CRC32),
	}).Info("flash dumped")
	return f.Sync()
}

func programFile(cmd *cobra.Command, p *nrfprog.Programmer, path string) error {
	strict, _ := cmd.Flags().GetBool("strict")
	be, _ := cmd.Flags().GetBool("be-address")
	mode := ihex.AddressAND
	if be {
		mode = ihex.AddressBigEndian
	}

	img, warnings, err := ihex.DecodeFile(path,
		ihex.WithLogger(log.WithField("file", path)),
		ihex.WithStrict(strict),
		ihex.WithAddressMode(mode),
	)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"bytes": img.Len(), "warnings": len(warnings)}).Info("hex file decoded")

	start := time.Now()
	report, err := p.ProgramImage(img)
	logWarnings(report.Warnings)
	if err != nil {
		return err
	}
	if !report.OK() {
		return errors.Errorf("verify failed: %d bytes differ", len(report.Mismatches))
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("program finished")
	fmt.Println("Write Verified")
	return nil
}

func logWarnings(ws []nrfprog.Warning) {
	if len(ws) > 0 {
		log.WithField("count", len(ws)).Warn("completed with degraded reads or status polls")
	}
}

func isHexName(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihx":
		return true
	}
	return false
}
