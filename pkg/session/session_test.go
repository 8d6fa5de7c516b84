package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/internal/elftest"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/flashing"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/rtt"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/simtarget"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/stlink"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

func lookup(t *testing.T, chip string) target.Variant {
	t.Helper()
	v, err := target.Lookup(chip)
	require.NoError(t, err)
	return v
}

func TestAttach(t *testing.T) {
	probe := simtarget.NewProbe(nil)
	s, err := Attach(probe, lookup(t, "STM32F103C8"), Options{SpeedHz: 4_000_000})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, s.CoreCount())
	assert.Equal(t, 4_000_000, probe.SpeedHz)
	assert.Equal(t, "STM32F103C8", s.Variant().Name)
	assert.False(t, probe.Target().Halted(0))
	assert.Zero(t, probe.Target().PinResets())
	assert.Equal(t, []rtt.Range{{Start: 0x20000000, End: 0x20005000}}, s.RAMRanges())
}

func TestAttachUnderReset(t *testing.T) {
	probe := simtarget.NewProbe(nil)
	s, err := Attach(probe, lookup(t, "STM32F103C8"), Options{UnderReset: true})
	require.NoError(t, err)
	defer s.Close()

	tgt := probe.Target()
	assert.Equal(t, 1, tgt.PinResets())
	assert.True(t, tgt.Halted(0), "core stops on the reset vector")

	core, err := s.Core(0)
	require.NoError(t, err)
	demcr, err := core.Read32(0xE000EDFC)
	require.NoError(t, err)
	assert.Zero(t, demcr&1, "vector catch disarmed")
}

func TestAttachDualCore(t *testing.T) {
	probe := simtarget.NewProbe(nil)
	s, err := Attach(probe, lookup(t, "STM32H745ZITx"), Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []CoreInfo{
		{Index: 0, Name: "cm7", Type: "armv7em", AP: 0},
		{Index: 1, Name: "cm4", Type: "armv7em", AP: 3},
	}, s.Cores())
	assert.Len(t, s.RAMRanges(), 2)
}

func TestAttachWithoutTarget(t *testing.T) {
	// A bare simulator port has a DP but nothing behind it
	port := dap.NewSimPort(nil, 1)
	_, err := Attach(port, lookup(t, "STM32F103C8"), Options{})
	assert.ErrorIs(t, err, dap.ErrAckFault)
}

func TestResetCore(t *testing.T) {
	probe := simtarget.NewProbe(nil)
	s, err := Attach(probe, lookup(t, "STM32H745ZITx"), Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ResetCore(0))
	require.NoError(t, s.ResetCore(1))
	assert.Equal(t, 1, probe.Target().ResetCount(0))
	assert.Equal(t, 1, probe.Target().ResetCount(1))

	assert.ErrorIs(t, s.ResetCore(2), ErrNoCore)
	_, err = s.Core(-1)
	assert.ErrorIs(t, err, ErrNoCore)
}

func TestDownload(t *testing.T) {
	probe := simtarget.NewProbe(nil)
	s, err := Attach(probe, lookup(t, "STM32F103C8"), Options{})
	require.NoError(t, err)
	defer s.Close()

	path := filepath.Join(t.TempDir(), "blink.elf")
	code := []byte{0x00, 0x50, 0x00, 0x20, 0x09, 0x01, 0x00, 0x08}
	require.NoError(t, os.WriteFile(path, elftest.Build([]elftest.Segment{{Addr: 0x08000000, Data: code}}, nil), 0o644))

	require.NoError(t, s.Download(path, flashing.FormatElf))
	got, err := probe.Target().Peek(0x08000000, len(code))
	require.NoError(t, err)
	assert.Equal(t, code, got)
	assert.True(t, probe.Target().Halted(0), "core 0 stays halted until reset")

	require.NoError(t, s.ResetCore(0))
	assert.False(t, probe.Target().Halted(0))

	assert.Error(t, s.Download(filepath.Join(t.TempDir(), "missing.elf"), flashing.FormatElf))
	assert.Error(t, s.Download(path, flashing.FormatHex), "format mismatch")
}

func TestClose(t *testing.T) {
	probe := simtarget.NewProbe(nil)
	s, err := Attach(probe, lookup(t, "STM32F103C8"), Options{UnderReset: true})
	require.NoError(t, err)
	require.True(t, probe.Target().Halted(0))

	require.NoError(t, s.Close())
	assert.False(t, probe.Target().Halted(0), "cores run after release")
	assert.Zero(t, s.CoreCount())

	_, err = probe.ReadDP(dap.DPRegIDR)
	assert.ErrorIs(t, err, dap.ErrNotConnected)
}

func memoryLink(t *testing.T, chip string) (*stlink.Link, *simtarget.Target) {
	t.Helper()
	tgt := simtarget.New(lookup(t, chip))
	return stlink.NewLink(tgt.STLinkDevice(), nil, nil), tgt
}

func TestAttachMemoryLink(t *testing.T) {
	link, tgt := memoryLink(t, "STM32F103C8")
	s, err := Attach(link, tgt.Variant(), Options{SpeedHz: 1_000_000})
	require.NoError(t, err)

	assert.Equal(t, 1, s.CoreCount())
	assert.False(t, tgt.Halted(0))

	path := filepath.Join(t.TempDir(), "blink.elf")
	code := []byte{0x00, 0x50, 0x00, 0x20, 0x09, 0x01, 0x00, 0x08}
	require.NoError(t, os.WriteFile(path, elftest.Build([]elftest.Segment{{Addr: 0x08000000, Data: code}}, nil), 0o644))
	require.NoError(t, s.Download(path, flashing.FormatElf))
	got, err := tgt.Peek(0x08000000, len(code))
	require.NoError(t, err)
	assert.Equal(t, code, got)

	require.NoError(t, s.ResetCore(0))
	assert.Equal(t, 1, tgt.ResetCount(0))

	require.NoError(t, s.Close())
	_, err = link.Read32(0x20000000)
	assert.ErrorIs(t, err, stlink.ErrClosed)
}

func TestAttachMemoryLinkUnderReset(t *testing.T) {
	link, tgt := memoryLink(t, "nRF52840_xxAA")
	s, err := Attach(link, tgt.Variant(), Options{UnderReset: true})
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, tgt.Halted(0), "core stops on the reset vector")
	assert.Equal(t, 1, tgt.ResetCount(0))
	assert.Zero(t, tgt.PinResets(), "no reset line on a memory-level probe")
}

func TestAttachMemoryLinkSecondAP(t *testing.T) {
	link, tgt := memoryLink(t, "STM32H745ZITx")
	_, err := Attach(link, tgt.Variant(), Options{})
	assert.ErrorContains(t, err, "access port 3 not reachable")
}

type closeOnly struct{}

func (closeOnly) Close() error { return nil }

func TestAttachUnknownLink(t *testing.T) {
	_, err := Attach(closeOnly{}, lookup(t, "STM32F103C8"), Options{})
	assert.ErrorContains(t, err, "unsupported link")
}
