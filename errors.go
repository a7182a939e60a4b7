package nrfprog

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrHandshakeTimeout means the bridge never answered with the binary
	// mode signature. Only a power cycle of the bridge helps.
	ErrHandshakeTimeout = errors.New("bridge did not enter binary mode")

	// ErrProtocolDesync is matched by every *DesyncError.
	ErrProtocolDesync = errors.New("bridge protocol out of sync")

	ErrReadStarvation      = errors.New("read starved")
	ErrStatusPollExhausted = errors.New("status poll exhausted")
	ErrResetExhausted      = errors.New("bridge did not confirm reset")

	ErrNotConfigured = errors.New("bridge not in SPI mode")
	ErrClosed        = errors.New("bridge session closed")
	ErrImageSize     = errors.New("image does not match flash size")
)

// LinkError is a failure of the byte stream underneath the bridge.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// DesyncError reports an acknowledgement that did not arrive or was not the
// success code. The session is unusable afterwards.
type DesyncError struct {
	Op      string
	Got     byte
	Want    byte
	Timeout bool
}

func (e *DesyncError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s failed: no response from bridge", e.Op)
	}
	return fmt.Sprintf("%s failed: got 0x%02X, want 0x%02X", e.Op, e.Got, e.Want)
}

func (e *DesyncError) Is(target error) bool {
	return target == ErrProtocolDesync
}

type WarningKind int

const (
	WarnReadStarvation WarningKind = iota + 1
	WarnStatusPollExhausted
)

func (k WarningKind) String() string {
	switch k {
	case WarnReadStarvation:
		return "ReadStarvation"
	case WarnStatusPollExhausted:
		return "StatusPollExhausted"
	}
	return fmt.Sprintf("WarningKind(%d)", int(k))
}

// Warning is a degraded but non-fatal outcome of a flash operation.
type Warning struct {
	Kind    WarningKind
	Address uint16
	Op      string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s at 0x%04X", w.Op, w.Kind, w.Address)
}

func (w Warning) err() error {
	switch w.Kind {
	case WarnReadStarvation:
		return errors.Wrapf(ErrReadStarvation, "%s at 0x%04X", w.Op, w.Address)
	default:
		return errors.Wrapf(ErrStatusPollExhausted, "%s at 0x%04X", w.Op, w.Address)
	}
}
