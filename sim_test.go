package nrfprog

import (
	"errors"
	"io"
	"testing"
)

type simState int

const (
	simRaw simState = iota
	simBinary
	simSPI
	simTxLen
	simTxData
)

// simItem is one slot of the bridge's output. A hole stands for a byte the
// bridge lost: it answers empty reads and then disappears.
type simItem struct {
	b    byte
	hole int
}

// simBridge plays a Bus Pirate in binary SPI mode with an nRF24LE1 attached.
type simBridge struct {
	t *testing.T

	written    []byte
	out        []simItem
	state      simState
	header     []byte
	payload    []byte
	writeLen   int
	readLen    int
	txCount    int
	maxWrite   int
	drains     int
	inputReset int
	closed     bool
	readErr    error

	// faults
	silent        bool          // never answers the handshake
	lateHandshake int           // handshake bytes ignored before answering
	ignoreReset   bool          // never acks CommandReset
	badAck        map[byte]byte // config command -> ack sent instead of 0x01
	failTx        int           // transaction number answered with 0x00
	muteTx        int           // transaction number never acked
	busyReads     int           // status reads answered busy after erase/program
	alwaysBusy    bool
	starve        map[int]bool // read-back bytes lost by the bridge
	holeReads     int
	stuck         map[int]byte // cells that store this value whatever is programmed

	// target
	mem         [FlashSize]byte
	info        [InfoPageSize]byte
	fsr         byte
	wel         bool
	busyLeft    int
	statusReads int
	wrsr        []byte
}

func newSim(t *testing.T) *simBridge {
	s := &simBridge{t: t, holeReads: testConfig().ByteReadRetries + 1}
	for i := range s.mem {
		s.mem[i] = 0xFF
	}
	for i := range s.info {
		s.info[i] = byte(0xA0 + i%16)
	}
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandSettle = 0
	cfg.TransactionSettle = 0
	cfg.BufferSettle = 0
	cfg.AckPollInterval = 0
	cfg.ByteRetryBackoff = 0
	return cfg
}

func (s *simBridge) Read(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("port closed")
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(p) == 0 || len(s.out) == 0 {
		return 0, nil
	}
	head := &s.out[0]
	if head.hole > 0 {
		head.hole--
		if head.hole == 0 {
			s.out = s.out[1:]
		}
		return 0, nil
	}
	p[0] = head.b
	s.out = s.out[1:]
	return 1, nil
}

func (s *simBridge) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("port closed")
	}
	if len(p) > s.maxWrite {
		s.maxWrite = len(p)
	}
	for _, c := range p {
		s.written = append(s.written, c)
		s.feed(c)
	}
	return len(p), nil
}

func (s *simBridge) Drain() error {
	s.drains++
	return nil
}

func (s *simBridge) ResetInputBuffer() error {
	s.inputReset++
	s.out = nil
	return nil
}

func (s *simBridge) ResetOutputBuffer() error { return nil }

func (s *simBridge) Close() error {
	if s.closed {
		return io.ErrClosedPipe
	}
	s.closed = true
	return nil
}

func (s *simBridge) reply(b ...byte) {
	for _, c := range b {
		s.out = append(s.out, simItem{b: c})
	}
}

func (s *simBridge) feed(c byte) {
	switch s.state {
	case simRaw, simBinary:
		switch {
		case c == 0x00:
			if s.silent {
				return
			}
			if s.lateHandshake > 0 {
				s.lateHandshake--
				return
			}
			s.reply([]byte("BBIO1")...)
			s.state = simBinary
		case c == 0x01 && s.state == simBinary:
			s.reply([]byte("SPI1")...)
			s.state = simSPI
		case c == 0x0F && s.state == simBinary:
			if s.ignoreReset {
				return
			}
			s.reply(0x01)
			s.state = simRaw
		}
	case simSPI:
		switch {
		case c == 0x00:
			s.reply([]byte("BBIO1")...)
			s.state = simBinary
		case c == 0x01:
			s.reply([]byte("SPI1")...)
		case c == 0x04:
			s.header = s.header[:0]
			s.state = simTxLen
		case c&0xF0 == 0x40, c&0xF0 == 0x60, c&0xF0 == 0x80:
			if v, ok := s.badAck[c]; ok {
				s.reply(v)
				return
			}
			s.reply(0x01)
		}
	case simTxLen:
		s.header = append(s.header, c)
		if len(s.header) == 4 {
			s.writeLen = int(s.header[0])<<8 | int(s.header[1])
			s.readLen = int(s.header[2])<<8 | int(s.header[3])
			s.payload = s.payload[:0]
			s.state = simTxData
			if s.writeLen == 0 {
				s.execute()
			}
		}
	case simTxData:
		s.payload = append(s.payload, c)
		if len(s.payload) == s.writeLen {
			s.execute()
		}
	}
}

func (s *simBridge) execute() {
	s.state = simSPI
	s.txCount++
	switch s.txCount {
	case s.muteTx:
		return
	case s.failTx:
		s.reply(0x00)
		return
	}
	s.reply(0x01)

	resp, base := s.spi(s.payload)
	for i := 0; i < s.readLen; i++ {
		var b byte
		if i < len(resp) {
			b = resp[i]
		}
		if base >= 0 && s.starve[base+i] {
			s.out = append(s.out, simItem{hole: s.holeReads})
			continue
		}
		s.reply(b)
	}
}

// spi runs one flash command. base is the flash address of the first
// response byte, or -1 for non-read commands.
func (s *simBridge) spi(p []byte) ([]byte, int) {
	if len(p) == 0 {
		return nil, -1
	}
	addr := 0
	if len(p) >= 3 {
		addr = int(p[1])<<8 | int(p[2])
	}
	switch Opcode(p[0]) {
	case OpWriteStatus:
		s.wrsr = append(s.wrsr, p[1])
		s.fsr = p[1] & StatusInfoEnable
	case OpWriteEnable:
		s.wel = true
	case OpWriteDisable:
		s.wel = false
	case OpErasePage:
		if s.wel {
			start := int(p[1]) * BlockSize
			for i := start; i < start+BlockSize; i++ {
				s.mem[i] = 0xFF
			}
			s.busyLeft = s.busyReads
		}
		s.wel = false
	case OpEraseAll:
		if s.wel {
			for i := range s.mem {
				s.mem[i] = 0xFF
			}
			s.busyLeft = s.busyReads
		}
		s.wel = false
	case OpProgram:
		if s.wel {
			for i, d := range p[3:] {
				a := addr + i
				if v, ok := s.stuck[a]; ok {
					d = v
				}
				if s.fsr&StatusInfoEnable != 0 {
					s.info[a%InfoPageSize] &= d
				} else {
					s.mem[a] &= d
				}
			}
			s.busyLeft = s.busyReads
		}
		s.wel = false
	case OpReadStatus:
		s.statusReads++
		if s.alwaysBusy || s.busyLeft > 0 {
			if s.busyLeft > 0 {
				s.busyLeft--
			}
			return []byte{s.fsr | StatusBusy | StatusWriteEnable}, -1
		}
		return []byte{s.fsr}, -1
	case OpRead:
		out := make([]byte, s.readLen)
		for i := range out {
			if s.fsr&StatusInfoEnable != 0 {
				out[i] = s.info[(addr+i)%InfoPageSize]
			} else {
				out[i] = s.mem[(addr+i)%FlashSize]
			}
		}
		return out, addr
	}
	return nil, -1
}

// since returns what was written after mark.
func (s *simBridge) since(mark int) []byte {
	return append([]byte(nil), s.written[mark:]...)
}

func (s *simBridge) count(b byte) int {
	n := 0
	for _, c := range s.written {
		if c == b {
			n++
		}
	}
	return n
}

// openSim returns a bridge already in SPI mode.
func openSim(t *testing.T, s *simBridge, opts ...Option) *Bridge {
	t.Helper()
	b := NewBridge(s, append([]Option{WithConfig(testConfig())}, opts...)...)
	if err := b.EnterBinaryMode(); err != nil {
		t.Fatalf("EnterBinaryMode: %v", err)
	}
	if err := b.ConfigureSPIMode(); err != nil {
		t.Fatalf("ConfigureSPIMode: %v", err)
	}
	return b
}
