// Package stlink drives ST-Link probes through gostlink. ST-Link firmware
// hides the DP and AP registers and only offers memory access through the
// default access port, so a Link is an arm.Bus rather than a dap.Port.
package stlink

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/bbnote/gostlink"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Transfer limits of the ST-Link USB commands.
const (
	maxBlock8  = 64
	maxBlock32 = 1024
)

// DefaultSpeedKHz is the SWD clock used when none is requested.
const DefaultSpeedKHz = 4000

// ErrClosed is returned by accesses after Close.
var ErrClosed = errors.New("stlink: link closed")

// Device is the memory interface of an opened ST-Link. Counts are in units
// of the block size.
type Device interface {
	ReadMem(addr uint32, size gostlink.MemoryBlockSize, count uint32, buf *bytes.Buffer) error
	WriteMem(addr uint32, size gostlink.MemoryBlockSize, count uint32, data []byte) error
}

// Link is an opened ST-Link.
type Link struct {
	dev   Device
	close func() error
	log   *zap.Logger
}

// NewLink wraps dev. closeFn, which may be nil, runs on Close.
func NewLink(dev Device, closeFn func() error, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	return &Link{dev: dev, close: closeFn, log: log}
}

var routeLogs sync.Once

// gostlink logs through logrus; its output is forwarded to zap at debug level.
func routeLibraryLogs(log *zap.Logger) {
	routeLogs.Do(func() {
		l := logrus.New()
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
		l.SetLevel(logrus.WarnLevel)
		if log.Core().Enabled(zapcore.DebugLevel) {
			l.SetLevel(logrus.DebugLevel)
		}
		if std, err := zap.NewStdLogAt(log.Named("gostlink"), zapcore.DebugLevel); err == nil {
			l.SetOutput(std.Writer())
		}
		gostlink.SetLogger(l)
	})
}

// Open connects to the ST-Link with the given serial number, or the first
// one found when serial is empty, in SWD mode.
func Open(serial string, speedKHz int, log *zap.Logger) (*Link, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if speedKHz <= 0 {
		speedKHz = DefaultSpeedKHz
	}
	routeLibraryLogs(log)

	if err := gostlink.InitUsb(); err != nil {
		return nil, fmt.Errorf("stlink: init usb: %w", err)
	}
	cfg := gostlink.NewStLinkConfig(gostlink.AllSupportedVIds, gostlink.AllSupportedPIds,
		gostlink.StLinkModeDebugSwd, serial, uint32(speedKHz), false)
	st, err := gostlink.NewStLink(cfg)
	if err != nil {
		gostlink.CloseUSB()
		return nil, fmt.Errorf("stlink: open: %w", err)
	}
	if code, err := st.GetIdCode(); err == nil {
		log.Debug("st-link connected", zap.String("idcode", fmt.Sprintf("0x%08X", code)),
			zap.Int("khz", speedKHz))
	}

	return NewLink(st, func() error {
		st.Close()
		gostlink.CloseUSB()
		return nil
	}, log), nil
}

func checkRange(addr uint64, n int) error {
	if addr+uint64(n) > 1<<32 {
		return fmt.Errorf("stlink: address range 0x%X+%d outside the 32-bit address space", addr, n)
	}
	return nil
}

// split returns the lengths of the unaligned head, the word aligned middle
// and the tail of n bytes at addr.
func split(addr uint32, n int) (head, mid, tail int) {
	head = int((4 - addr&3) & 3)
	if head > n {
		head = n
	}
	mid = (n - head) &^ 3
	tail = n - head - mid
	return head, mid, tail
}

func (l *Link) read(addr uint32, size gostlink.MemoryBlockSize, out []byte) error {
	if l.dev == nil {
		return ErrClosed
	}
	unit, limit := 1, maxBlock8
	if size == gostlink.Memory32BitBlock {
		unit, limit = 4, maxBlock32
	}
	for len(out) > 0 {
		n := min(len(out), limit)
		var b bytes.Buffer
		if err := l.dev.ReadMem(addr, size, uint32(n/unit), &b); err != nil {
			return fmt.Errorf("stlink: read 0x%08X: %w", addr, err)
		}
		if b.Len() < n {
			return fmt.Errorf("stlink: short read at 0x%08X: %d of %d bytes", addr, b.Len(), n)
		}
		copy(out, b.Bytes())
		out = out[n:]
		addr += uint32(n)
	}
	return nil
}

func (l *Link) write(addr uint32, size gostlink.MemoryBlockSize, data []byte) error {
	if l.dev == nil {
		return ErrClosed
	}
	unit, limit := 1, maxBlock8
	if size == gostlink.Memory32BitBlock {
		unit, limit = 4, maxBlock32
	}
	for len(data) > 0 {
		n := min(len(data), limit)
		if err := l.dev.WriteMem(addr, size, uint32(n/unit), data[:n]); err != nil {
			return fmt.Errorf("stlink: write 0x%08X: %w", addr, err)
		}
		data = data[n:]
		addr += uint32(n)
	}
	return nil
}

// ReadMemory fills buf using word transfers for the aligned part and byte
// transfers for the edges.
func (l *Link) ReadMemory(addr uint64, buf []byte) error {
	if err := checkRange(addr, len(buf)); err != nil {
		return err
	}
	a := uint32(addr)
	head, mid, _ := split(a, len(buf))
	if err := l.read(a, gostlink.Memory8BitBlock, buf[:head]); err != nil {
		return err
	}
	if err := l.read(a+uint32(head), gostlink.Memory32BitBlock, buf[head:head+mid]); err != nil {
		return err
	}
	return l.read(a+uint32(head+mid), gostlink.Memory8BitBlock, buf[head+mid:])
}

// WriteMemory stores data the same way ReadMemory reads.
func (l *Link) WriteMemory(addr uint64, data []byte) error {
	if err := checkRange(addr, len(data)); err != nil {
		return err
	}
	a := uint32(addr)
	head, mid, _ := split(a, len(data))
	if err := l.write(a, gostlink.Memory8BitBlock, data[:head]); err != nil {
		return err
	}
	if err := l.write(a+uint32(head), gostlink.Memory32BitBlock, data[head:head+mid]); err != nil {
		return err
	}
	return l.write(a+uint32(head+mid), gostlink.Memory8BitBlock, data[head+mid:])
}

// Read32 reads one aligned word.
func (l *Link) Read32(addr uint32) (uint32, error) {
	if addr&3 != 0 {
		return 0, fmt.Errorf("stlink: unaligned word read at 0x%08X", addr)
	}
	var b [4]byte
	if err := l.read(addr, gostlink.Memory32BitBlock, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Write32 writes one aligned word.
func (l *Link) Write32(addr uint32, value uint32) error {
	if addr&3 != 0 {
		return fmt.Errorf("stlink: unaligned word write at 0x%08X", addr)
	}
	b := []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	return l.write(addr, gostlink.Memory32BitBlock, b)
}

// Write16 writes one aligned halfword as a single bus access, which flash
// controllers programming in halfwords require.
func (l *Link) Write16(addr uint32, value uint16) error {
	if addr&1 != 0 {
		return fmt.Errorf("stlink: unaligned halfword write at 0x%08X", addr)
	}
	if l.dev == nil {
		return ErrClosed
	}
	if err := l.dev.WriteMem(addr, gostlink.Memory16BitBlock, 1, []byte{byte(value), byte(value >> 8)}); err != nil {
		return fmt.Errorf("stlink: write 0x%08X: %w", addr, err)
	}
	return nil
}

// AP is always the default access port.
func (l *Link) AP() uint8 { return 0 }

func (l *Link) Invalidate() {}

// Recover is a no-op; the probe firmware clears sticky errors itself.
func (l *Link) Recover() error { return nil }

// Close disconnects from the probe. Later accesses fail with ErrClosed.
func (l *Link) Close() error {
	l.dev = nil
	if l.close == nil {
		return nil
	}
	c := l.close
	l.close = nil
	return c()
}
