package arm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/simtarget"
	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

func newSim(t *testing.T, chip string) (*DebugPort, *simtarget.Target, *dap.SimPort) {
	t.Helper()
	v, err := target.Lookup(chip)
	require.NoError(t, err)
	tgt := simtarget.New(v)
	port := dap.NewSimPort(tgt, tgt.NumAPs())
	require.NoError(t, port.Connect())

	dp := NewDebugPort(port)
	idr, err := dp.Init()
	require.NoError(t, err)
	require.Equal(t, uint32(dap.SimDPIDR), idr)
	return dp, tgt, port
}

func TestDebugPortSelectCache(t *testing.T) {
	dp, _, port := newSim(t, "STM32F103C8")

	_, err := dp.APIDR(0)
	require.NoError(t, err)
	before := port.Transfers()
	idr, err := dp.APIDR(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(dap.SimAPIDR), idr)
	assert.Equal(t, 1, port.Transfers()-before, "SELECT must not be rewritten")
}

func TestMemAPWordAccess(t *testing.T) {
	dp, tgt, _ := newSim(t, "STM32F103C8")
	mem := NewMemAP(dp, 0)

	require.NoError(t, mem.Write32(0x20000010, 0xCAFEBABE))
	v, err := mem.Read32(0x20000010)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v)

	raw, _ := tgt.Peek(0x20000010, 4)
	assert.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, raw)

	_, err = mem.Read32(0x20000011)
	assert.Error(t, err)
}

func TestMemAPByteAndHalfWord(t *testing.T) {
	dp, tgt, _ := newSim(t, "STM32F103C8")
	mem := NewMemAP(dp, 0)

	require.NoError(t, mem.Write8(0x20000003, 0xAA))
	require.NoError(t, mem.Write16(0x20000006, 0x1234))
	raw, _ := tgt.Peek(0x20000000, 8)
	assert.Equal(t, []byte{0, 0, 0, 0xAA, 0, 0, 0x34, 0x12}, raw)

	b, err := mem.Read8(0x20000003)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAA), b)
}

func TestMemAPBlockCrossesTARWrap(t *testing.T) {
	dp, tgt, _ := newSim(t, "STM32F103C8")
	mem := NewMemAP(dp, 0)

	// 0x200003F0..0x20000410 straddles a 1 KiB boundary
	data := make([]uint32, 8)
	for i := range data {
		data[i] = 0x11111111 * uint32(i+1)
	}
	require.NoError(t, mem.WriteBlock32(0x200003F0, data))

	out := make([]uint32, len(data))
	require.NoError(t, mem.ReadBlock32(0x200003F0, out))
	assert.Equal(t, data, out)

	raw, _ := tgt.Peek(0x20000400, 4)
	assert.Equal(t, []byte{0x55, 0x55, 0x55, 0x55}, raw)
}

func TestMemAPUnalignedMemory(t *testing.T) {
	dp, _, _ := newSim(t, "STM32F103C8")
	mem := NewMemAP(dp, 0)

	payload := []byte("unaligned payload!")
	require.NoError(t, mem.WriteMemory(0x20000101, payload))

	got := make([]byte, len(payload))
	require.NoError(t, mem.ReadMemory(0x20000101, got))
	assert.True(t, bytes.Equal(payload, got), "got %q", got)

	assert.Error(t, mem.ReadMemory(0xFFFFFFFE, make([]byte, 4)))
}

func TestMemAPBusFault(t *testing.T) {
	dp, _, _ := newSim(t, "STM32F103C8")
	mem := NewMemAP(dp, 0)

	_, err := mem.Read32(0x30000000)
	assert.ErrorIs(t, err, dap.ErrAckFault)
}

func TestCoreHaltRunReset(t *testing.T) {
	dp, tgt, _ := newSim(t, "STM32F103C8")
	core := NewCore(0, "main", "armv7m", NewMemAP(dp, 0))

	id, err := core.CPUID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x41), id>>24)

	require.NoError(t, core.Halt())
	assert.True(t, tgt.Halted(0))

	require.NoError(t, core.Run())
	assert.False(t, tgt.Halted(0))

	require.NoError(t, core.Reset())
	assert.Equal(t, 1, tgt.ResetCount(0))
	assert.False(t, tgt.Halted(0))

	require.NoError(t, core.ResetAndHalt())
	assert.Equal(t, 2, tgt.ResetCount(0))
	assert.True(t, tgt.Halted(0))

	demcr, err := core.Read32(RegDEMCR)
	require.NoError(t, err)
	assert.Zero(t, demcr&DEMCRVCCoreRst, "vector catch is disarmed afterwards")
}

func TestSecondCoreOnOtherAP(t *testing.T) {
	dp, tgt, _ := newSim(t, "STM32H745ZITx")
	cm4 := NewCore(1, "cm4", "armv7em", NewMemAP(dp, 3))

	require.NoError(t, cm4.Halt())
	assert.True(t, tgt.Halted(1))
	assert.False(t, tgt.Halted(0))

	_, err := dp.ReadAP(1, APRegIDR)
	assert.NoError(t, err, "AP 1 exists on the DP even without a core")
}
