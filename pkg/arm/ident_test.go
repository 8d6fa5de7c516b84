package arm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

func TestParseDPIDR(t *testing.T) {
	id := ParseDPIDR(dap.SimDPIDR)
	assert.Equal(t, uint8(2), id.Revision)
	assert.Equal(t, uint8(0xBA), id.PartNo)
	assert.False(t, id.Min)
	assert.Equal(t, uint8(1), id.Version)
	assert.Equal(t, uint16(0x23B), id.Designer)
	assert.Equal(t, "DPv1 rev 2 by ARM Ltd", id.String())
}

func TestAPDesigner(t *testing.T) {
	assert.Equal(t, uint16(0x23B), APDesigner(dap.SimAPIDR))
	assert.Equal(t, "ARM Ltd", DesignerName(APDesigner(dap.SimAPIDR)))
	assert.Equal(t, "Unknown (0x7FF)", DesignerName(0x7FF))
}

func TestParseCPUID(t *testing.T) {
	tests := []struct {
		raw  uint32
		want string
		arm  bool
	}{
		{0x410FC241, "Cortex-M4 r0p1", true},
		{0x411FC231, "Cortex-M3 r1p1", true},
		{0x410CC601, "Cortex-M0+ r0p1", true},
		{0x411FC272, "Cortex-M7 r1p2", true},
		{0x410FD213, "Cortex-M33 r0p3", true},
		{0x510FC241, "unknown part 0xC24 r0p1", false},
		{0x410FAAA0, "unknown part 0xAAA r0p0", true},
	}
	for _, tt := range tests {
		id := ParseCPUID(tt.raw)
		assert.Equal(t, tt.want, id.String(), "CPUID 0x%08X", tt.raw)
		assert.Equal(t, tt.arm, id.IsARM(), "CPUID 0x%08X", tt.raw)
	}
}
