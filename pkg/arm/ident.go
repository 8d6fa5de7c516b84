package arm

import "fmt"

// DPIDR is a decoded Debug Port identification register.
type DPIDR struct {
	Raw      uint32
	Revision uint8  // [31:28]
	PartNo   uint8  // [27:20]
	Min      bool   // [16] MINDP, no transaction counter or pushed operations
	Version  uint8  // [15:12] DP architecture version
	Designer uint16 // [11:1] JEP106 continuation and identity code
}

// ParseDPIDR decodes a raw DPIDR value.
func ParseDPIDR(raw uint32) DPIDR {
	return DPIDR{
		Raw:      raw,
		Revision: uint8(raw >> 28),
		PartNo:   uint8(raw >> 20),
		Min:      raw&(1<<16) != 0,
		Version:  uint8((raw >> 12) & 0xF),
		Designer: uint16((raw >> 1) & 0x7FF),
	}
}

func (d DPIDR) String() string {
	return fmt.Sprintf("DPv%d rev %d by %s", d.Version, d.Revision, DesignerName(d.Designer))
}

// APDesigner extracts the JEP106 code of an AP IDR ([27:24] continuation,
// [23:17] identity).
func APDesigner(idr uint32) uint16 {
	return uint16((idr >> 17) & 0x7FF)
}

// designers maps JEP106 codes (continuation << 7 | identity) of silicon
// vendors seen on Cortex-M debug ports.
var designers = map[uint16]string{
	0x00E: "Freescale (NXP)",
	0x015: "NXP (Philips)",
	0x017: "Texas Instruments",
	0x01F: "Atmel",
	0x020: "STMicroelectronics",
	0x029: "Microchip",
	0x144: "Nordic Semiconductor",
	0x23B: "ARM Ltd",
}

// DesignerName returns the vendor for a JEP106 code.
func DesignerName(code uint16) string {
	if name, ok := designers[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%03X)", code)
}

// CPUID is a decoded Cortex-M CPUID register.
type CPUID struct {
	Raw         uint32
	Implementer uint8  // [31:24]
	Variant     uint8  // [23:20]
	PartNo      uint16 // [15:4]
	Revision    uint8  // [3:0]
}

// ParseCPUID decodes a raw CPUID value.
func ParseCPUID(raw uint32) CPUID {
	return CPUID{
		Raw:         raw,
		Implementer: uint8(raw >> 24),
		Variant:     uint8((raw >> 20) & 0xF),
		PartNo:      uint16((raw >> 4) & 0xFFF),
		Revision:    uint8(raw & 0xF),
	}
}

var cortexParts = map[uint16]string{
	0xC20: "Cortex-M0",
	0xC21: "Cortex-M1",
	0xC23: "Cortex-M3",
	0xC24: "Cortex-M4",
	0xC27: "Cortex-M7",
	0xC60: "Cortex-M0+",
	0xD20: "Cortex-M23",
	0xD21: "Cortex-M33",
	0xD22: "Cortex-M55",
}

// IsARM reports whether the core was implemented by ARM.
func (c CPUID) IsARM() bool {
	return c.Implementer == 0x41
}

// PartName returns the core name, e.g. "Cortex-M4".
func (c CPUID) PartName() string {
	if name, ok := cortexParts[c.PartNo]; ok && c.IsARM() {
		return name
	}
	return fmt.Sprintf("unknown part 0x%03X", c.PartNo)
}

func (c CPUID) String() string {
	return fmt.Sprintf("%s r%dp%d", c.PartName(), c.Variant, c.Revision)
}
