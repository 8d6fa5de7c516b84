package simtarget

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/bbnote/gostlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

func newTarget(t *testing.T, chip string) *Target {
	t.Helper()
	v, err := target.Lookup(chip)
	require.NoError(t, err)
	return New(v)
}

func TestHaltAndRun(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")

	require.NoError(t, tgt.Write(0, regDHCSR, 4, dhcsrKey<<16|dhcsrDebugEn|dhcsrHalt))
	assert.True(t, tgt.Halted(0))

	v, err := tgt.Read(0, regDHCSR, 4)
	require.NoError(t, err)
	assert.NotZero(t, v&dhcsrSHalt)

	// Writes without the key are ignored
	require.NoError(t, tgt.Write(0, regDHCSR, 4, dhcsrDebugEn))
	assert.True(t, tgt.Halted(0))

	require.NoError(t, tgt.Write(0, regDHCSR, 4, dhcsrKey<<16|dhcsrDebugEn))
	assert.False(t, tgt.Halted(0))
}

func TestSystemResetWithVectorCatch(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")

	require.NoError(t, tgt.Write(0, regDHCSR, 4, dhcsrKey<<16|dhcsrDebugEn))
	require.NoError(t, tgt.Write(0, regDEMCR, 4, demcrVCReset))
	require.NoError(t, tgt.Write(0, regAIRCR, 4, aircrVectKey<<16|aircrSysReset))

	assert.True(t, tgt.Halted(0))
	assert.Equal(t, 1, tgt.ResetCount(0))

	v, _ := tgt.Read(0, regDHCSR, 4)
	assert.NotZero(t, v&dhcsrSResetSt)
	v, _ = tgt.Read(0, regDHCSR, 4)
	assert.Zero(t, v&dhcsrSResetSt, "S_RESET_ST clears on read")
}

func TestResetPin(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")

	tgt.SetReset(true)
	require.NoError(t, tgt.Write(0, regDHCSR, 4, dhcsrKey<<16|dhcsrDebugEn|dhcsrHalt))
	assert.False(t, tgt.Halted(0), "core cannot halt while held in reset")
	require.NoError(t, tgt.Write(0, regDEMCR, 4, demcrVCReset))

	tgt.SetReset(false)
	assert.True(t, tgt.Halted(0))
	assert.Equal(t, 1, tgt.PinResets())
}

func TestUnmappedAccessFaults(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")

	_, err := tgt.Read(0, 0x30000000, 4)
	assert.Error(t, err)
	_, err = tgt.Read(1, 0x20000000, 4)
	assert.Error(t, err, "no core behind AP 1")
}

func TestFPECProgramming(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")
	const page = 0x08000400

	// Locked: CR writes are ignored and flash writes fault
	require.NoError(t, tgt.Write(0, fpecCR, 4, fpecCRPG))
	cr, _ := tgt.Read(0, fpecCR, 4)
	assert.Equal(t, uint32(fpecCRLock), cr)
	assert.Error(t, tgt.Write(0, page, 2, 0x1234))

	require.NoError(t, tgt.Write(0, fpecKEYR, 4, fpecKey1))
	require.NoError(t, tgt.Write(0, fpecKEYR, 4, fpecKey2))
	cr, _ = tgt.Read(0, fpecCR, 4)
	assert.Zero(t, cr&fpecCRLock)

	require.NoError(t, tgt.Write(0, fpecCR, 4, fpecCRPG))
	require.NoError(t, tgt.Write(0, page, 2, 0xBEEF))
	got, _ := tgt.Peek(page, 2)
	assert.Equal(t, []byte{0xEF, 0xBE}, got)

	// Programming a non-erased half-word sets PGERR
	require.NoError(t, tgt.Write(0, page, 2, 0x1111))
	sr, _ := tgt.Read(0, fpecSR, 4)
	assert.NotZero(t, sr&fpecSRPgErr)
	require.NoError(t, tgt.Write(0, fpecSR, 4, fpecSRClrMask))

	// Page erase
	require.NoError(t, tgt.Write(0, fpecCR, 4, fpecCRPER))
	require.NoError(t, tgt.Write(0, fpecAR, 4, page+0x10))
	require.NoError(t, tgt.Write(0, fpecCR, 4, fpecCRPER|fpecCRSTRT))
	got, _ = tgt.Peek(page, 2)
	assert.Equal(t, []byte{0xFF, 0xFF}, got)
	sr, _ = tgt.Read(0, fpecSR, 4)
	assert.NotZero(t, sr&fpecSREOP)
}

func TestNVMCProgramming(t *testing.T) {
	tgt := newTarget(t, "nRF52832_xxAA")

	assert.Error(t, tgt.Write(0, 0x1000, 4, 0))

	require.NoError(t, tgt.Write(0, nvmcConfig, 4, 1))
	require.NoError(t, tgt.Write(0, 0x1000, 4, 0x12345678))
	require.NoError(t, tgt.Write(0, 0x1000, 4, 0xFFFF00FF))
	v, err := tgt.Read(0, 0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12340078), v, "programming only clears bits")

	require.NoError(t, tgt.Write(0, nvmcConfig, 4, 2))
	require.NoError(t, tgt.Write(0, nvmcErasePage, 4, 0x1004))
	v, _ = tgt.Read(0, 0x1000, 4)
	assert.Equal(t, uint32(0xFFFFFFFF), v)
}

func TestReadOnlyFlash(t *testing.T) {
	tgt := newTarget(t, "STM32F401RE")
	assert.Error(t, tgt.Write(0, 0x08000000, 4, 0))
}

func TestInstallRTTAndEmit(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")
	require.NoError(t, tgt.InstallRTT(0x20000000, []string{"Terminal", "Log"}, 16))
	assert.Equal(t, uint64(0x20000000), tgt.RTTAddress())

	id, _ := tgt.Peek(0x20000000, 16)
	assert.Equal(t, "SEGGER RTT\x00\x00\x00\x00\x00\x00", string(id))
	hdr, _ := tgt.Peek(0x20000010, 8)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(hdr))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(hdr[4:]))

	n, err := tgt.EmitUp(0, []byte("0123456789abcdefXYZ"))
	require.NoError(t, err)
	assert.Equal(t, 15, n, "one slot stays free")

	_, err = tgt.EmitUp(2, []byte("x"))
	assert.Error(t, err)
}

func TestInstallRTTOutsideRAM(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")
	assert.Error(t, tgt.InstallRTT(0x20004FF0, []string{"Terminal"}, 64))
}

func TestEraseRemovesRTT(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")
	require.NoError(t, tgt.InstallRTT(0x20000000, []string{"Terminal"}, 64))
	tgt.Erase()
	assert.Zero(t, tgt.RTTAddress())
	id, _ := tgt.Peek(0x20000000, 16)
	assert.Equal(t, make([]byte, 16), id)
}

func TestProbeKeepsTargetForSameVariant(t *testing.T) {
	v, err := target.Lookup("STM32F103C8")
	require.NoError(t, err)

	calls := 0
	p := NewProbe(func(_ context.Context, _ *Target) error {
		calls++
		return nil
	})

	require.NoError(t, p.AttachTarget(v))
	first := p.Target()
	require.NoError(t, p.AttachTarget(v))
	assert.Same(t, first, p.Target())
	assert.Equal(t, 2, calls)

	other, err := target.Lookup("nRF52832_xxAA")
	require.NoError(t, err)
	require.NoError(t, p.AttachTarget(other))
	assert.NotSame(t, first, p.Target())
	require.NoError(t, p.Close())
}

func TestDemoFirmwareHeartbeat(t *testing.T) {
	v, err := target.Lookup("STM32F103C8")
	require.NoError(t, err)

	p := NewProbe(DemoFirmware(5 * time.Millisecond))
	require.NoError(t, p.AttachTarget(v))
	defer p.Close()

	tgt := p.Target()
	addr := tgt.RTTAddress()
	require.Equal(t, uint64(0x20000000), addr)

	// WrOff of up-channel 0 advances once the heartbeat runs
	assert.Eventually(t, func() bool {
		b, err := tgt.Peek(addr+rttHdrSize+12, 4)
		return err == nil && binary.LittleEndian.Uint32(b) != 0
	}, time.Second, 5*time.Millisecond)
}

func TestSTLinkDevice(t *testing.T) {
	tgt := newTarget(t, "STM32F103C8")
	dev := tgt.STLinkDevice()

	require.NoError(t, dev.WriteMem(0x20000000, gostlink.Memory32BitBlock, 2,
		[]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, dev.WriteMem(0x20000009, gostlink.Memory8BitBlock, 1, []byte{0xAA}))

	var buf bytes.Buffer
	require.NoError(t, dev.ReadMem(0x20000000, gostlink.Memory8BitBlock, 10, &buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0xAA}, buf.Bytes())

	require.NoError(t, dev.WriteMem(regDHCSR, gostlink.Memory32BitBlock, 1,
		binary.LittleEndian.AppendUint32(nil, dhcsrKey<<16|dhcsrDebugEn|dhcsrHalt)))
	assert.True(t, tgt.Halted(0))

	assert.Error(t, dev.ReadMem(0x30000000, gostlink.Memory32BitBlock, 1, &buf))
	assert.Error(t, dev.WriteMem(0x20000000, gostlink.Memory32BitBlock, 2, []byte{1}))
	assert.Equal(t, 6, dev.Transfers)
}
