package nrfprog

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestEnterBinaryMode(t *testing.T) {
	s := newSim(t)
	b := NewBridge(s, WithConfig(testConfig()))

	if err := b.EnterBinaryMode(); err != nil {
		t.Fatalf("EnterBinaryMode: %v", err)
	}
	if b.Mode() != ModeBinaryRoot {
		t.Errorf("Mode() = %s, want binary", b.Mode())
	}
	if diff := cmp.Diff([]byte{0x00}, s.written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
}

func TestEnterBinaryModeRetries(t *testing.T) {
	s := newSim(t)
	s.lateHandshake = 3
	b := NewBridge(s, WithConfig(testConfig()))

	if err := b.EnterBinaryMode(); err != nil {
		t.Fatalf("EnterBinaryMode: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, s.written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
}

func TestEnterBinaryModeHandshakeTimeout(t *testing.T) {
	s := newSim(t)
	s.silent = true
	b := NewBridge(s, WithConfig(testConfig()))

	err := b.EnterBinaryMode()
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if diff := cmp.Diff(bytes.Repeat([]byte{0x00}, 25), s.written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	if b.Mode() != ModeUnknown {
		t.Errorf("Mode() = %s, want unknown", b.Mode())
	}

	// Nothing to restore: Close must not try another handshake.
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(s.written) != 25 {
		t.Errorf("Close wrote %d more bytes", len(s.written)-25)
	}
}

func TestConfigureSPIMode(t *testing.T) {
	s := newSim(t)
	b := openSim(t, s)

	want := []byte{0x00, 0x01, 0x60, 0x8A, 0x4A, 0x48, 0x4B}
	if diff := cmp.Diff(want, s.written); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	if b.Mode() != ModeSPIConfigured {
		t.Errorf("Mode() = %s, want spi", b.Mode())
	}
	if s.maxWrite != 1 {
		t.Errorf("bridge wrote %d bytes at once, want 1", s.maxWrite)
	}
	if s.drains == 0 {
		t.Error("output never drained")
	}
}

func TestConfigureSPIModeBadAck(t *testing.T) {
	s := newSim(t)
	s.badAck = map[byte]byte{0x8A: 0x00}
	logger, hook := test.NewNullLogger()
	b := NewBridge(s, WithConfig(testConfig()), WithLogger(logger))

	if err := b.EnterBinaryMode(); err != nil {
		t.Fatal(err)
	}
	err := b.ConfigureSPIMode()
	if !errors.Is(err, ErrProtocolDesync) {
		t.Fatalf("err = %v, want ErrProtocolDesync", err)
	}
	var desync *DesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("err = %T, want *DesyncError", err)
	}
	if diff := cmp.Diff(&DesyncError{Op: "SPI configuration", Got: 0x00, Want: 0x01}, desync); diff != "" {
		t.Errorf("desync mismatch (-want +got):\n%s", diff)
	}

	// The bridge was sent back to normal mode and the port closed.
	if !s.closed {
		t.Error("port left open")
	}
	if s.state != simRaw {
		t.Errorf("bridge state = %d, want raw", s.state)
	}
	if b.Mode() != ModeUnknown {
		t.Errorf("Mode() = %s, want unknown", b.Mode())
	}
	if err := b.EnterBinaryMode(); !errors.Is(err, ErrClosed) {
		t.Errorf("after desync: err = %v, want ErrClosed", err)
	}

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["op"] == "SPI configuration" {
			logged = true
		}
	}
	if !logged {
		t.Error("failing operation not logged")
	}
}

func TestConfigureSPIModeBadSignature(t *testing.T) {
	s := newSim(t)
	b := NewBridge(s, WithConfig(testConfig()))
	if err := b.EnterBinaryMode(); err != nil {
		t.Fatal(err)
	}
	s.state = simRaw // bridge drops out of binary mode behind our back

	err := b.ConfigureSPIMode()
	if !errors.Is(err, ErrProtocolDesync) {
		t.Fatalf("err = %v, want ErrProtocolDesync", err)
	}
}

func TestConfigureSPIModeRequiresBinary(t *testing.T) {
	b := NewBridge(newSim(t), WithConfig(testConfig()))
	if err := b.ConfigureSPIMode(); err == nil {
		t.Fatal("ConfigureSPIMode succeeded in unknown mode")
	}
}

func TestAwaitAckTimeout(t *testing.T) {
	s := newSim(t)
	b := openSim(t, s)
	s.muteTx = 1

	err := NewSPIFlash(b).WriteEnable()
	var desync *DesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("err = %v, want *DesyncError", err)
	}
	if !desync.Timeout || desync.Op != "enable writing" {
		t.Errorf("desync = %+v, want timeout on enable writing", desync)
	}
	if !s.closed {
		t.Error("port left open")
	}
}

func TestExitBinaryMode(t *testing.T) {
	s := newSim(t)
	b := openSim(t, s)
	mark := len(s.written)

	if err := b.ExitBinaryMode(); err != nil {
		t.Fatalf("ExitBinaryMode: %v", err)
	}
	if diff := cmp.Diff([]byte{0x00, 0x0F}, s.since(mark)); diff != "" {
		t.Errorf("written mismatch (-want +got):\n%s", diff)
	}
	if s.state != simRaw || b.Mode() != ModeUnknown {
		t.Errorf("state = %d, mode = %s", s.state, b.Mode())
	}
	if s.inputReset == 0 {
		t.Error("input not flushed before reset")
	}

	// Safe to repeat from normal mode.
	if err := b.ExitBinaryMode(); err != nil {
		t.Fatalf("second ExitBinaryMode: %v", err)
	}
}

func TestExitBinaryModeStaleInput(t *testing.T) {
	s := newSim(t)
	b := openSim(t, s)
	s.reply(0xAA, 0xBB, 0xCC) // left over from an interrupted read

	if err := b.ExitBinaryMode(); err != nil {
		t.Fatalf("ExitBinaryMode: %v", err)
	}
	if s.state != simRaw {
		t.Errorf("bridge state = %d, want raw", s.state)
	}
	if n := s.count(0x00); n != 2 {
		t.Errorf("binary reset sent %d times, want 2", n)
	}
}

func TestCloseStaleInput(t *testing.T) {
	s := newSim(t)
	b := openSim(t, s)
	s.reply([]byte("BBIO")...)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.closed || s.state != simRaw {
		t.Errorf("closed = %v, state = %d", s.closed, s.state)
	}
}

func TestExitBinaryModeResetExhausted(t *testing.T) {
	s := newSim(t)
	s.ignoreReset = true
	b := openSim(t, s)

	err := b.ExitBinaryMode()
	if !errors.Is(err, ErrResetExhausted) {
		t.Fatalf("err = %v, want ErrResetExhausted", err)
	}
	if n := s.count(0x0F); n != 25 {
		t.Errorf("reset sent %d times, want 25", n)
	}
	if b.Mode() != ModeUnknown {
		t.Errorf("Mode() = %s, want unknown", b.Mode())
	}
}

func TestBridgeClose(t *testing.T) {
	s := newSim(t)
	b := openSim(t, s)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.closed || s.state != simRaw {
		t.Errorf("closed = %v, state = %d", s.closed, s.state)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestReadLinkError(t *testing.T) {
	s := newSim(t)
	s.readErr = errors.New("device unplugged")
	b := NewBridge(s, WithConfig(testConfig()))

	err := b.EnterBinaryMode()
	var link *LinkError
	if !errors.As(err, &link) {
		t.Fatalf("err = %v, want *LinkError", err)
	}
	if link.Op != "read" {
		t.Errorf("Op = %q, want read", link.Op)
	}
}

func TestSPITransactionRequiresSPIMode(t *testing.T) {
	s := newSim(t)
	b := NewBridge(s, WithConfig(testConfig()))
	if err := b.EnterBinaryMode(); err != nil {
		t.Fatal(err)
	}

	err := NewSPIFlash(b).WriteEnable()
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestConfigureSPIModeLinkError(t *testing.T) {
	s := newSim(t)
	b := NewBridge(s, WithConfig(testConfig()))
	if err := b.EnterBinaryMode(); err != nil {
		t.Fatal(err)
	}
	s.readErr = errors.New("device unplugged")

	err := b.ConfigureSPIMode()
	var link *LinkError
	if !errors.As(err, &link) {
		t.Fatalf("err = %v, want *LinkError", err)
	}
	if !s.closed {
		t.Error("port left open")
	}
	if b.Mode() != ModeUnknown {
		t.Errorf("Mode() = %s, want unknown", b.Mode())
	}
	if err := b.ConfigureSPIMode(); !errors.Is(err, ErrClosed) {
		t.Errorf("after link failure: err = %v, want ErrClosed", err)
	}
}
