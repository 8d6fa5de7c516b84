package arm

import (
	"encoding/binary"
	"fmt"
)

// MEM-AP registers
const (
	APRegCSW = 0x00
	APRegTAR = 0x04
	APRegDRW = 0x0C
	APRegIDR = 0xFC
)

// CSW fields
const (
	CSWSize8       = 0x0
	CSWSize16      = 0x1
	CSWSize32      = 0x2
	CSWAddrIncOff  = 0x00
	CSWAddrIncSing = 0x10
	CSWDbgSwEnable = 1 << 31
	CSWHProt       = 0x23000000 // privileged data access, master type debug
)

// tarWrap is the auto-increment boundary guaranteed by every MEM-AP.
const tarWrap = 0x400

// MemAP performs memory accesses through one MEM-AP.
type MemAP struct {
	dp *DebugPort
	ap uint8

	csw      uint32
	cswValid bool
}

// NewMemAP returns a memory accessor for access port ap.
func NewMemAP(dp *DebugPort, ap uint8) *MemAP {
	return &MemAP{dp: dp, ap: ap}
}

// AP returns the access port index.
func (m *MemAP) AP() uint8 {
	return m.ap
}

func (m *MemAP) setCSW(size uint32, inc uint32) error {
	csw := CSWHProt | inc | size
	if m.cswValid && m.csw == csw {
		return nil
	}
	if err := m.dp.WriteAP(m.ap, APRegCSW, csw); err != nil {
		m.cswValid = false
		return fmt.Errorf("write CSW: %w", err)
	}
	m.csw = csw
	m.cswValid = true
	return nil
}

func (m *MemAP) setTAR(addr uint32) error {
	if err := m.dp.WriteAP(m.ap, APRegTAR, addr); err != nil {
		return fmt.Errorf("write TAR: %w", err)
	}
	return nil
}

// Invalidate forgets the cached CSW value, e.g. after a target reset.
func (m *MemAP) Invalidate() {
	m.cswValid = false
	m.dp.selValid = false
}

// Recover clears the sticky error flags of the debug port and forgets the
// cached access state.
func (m *MemAP) Recover() error {
	m.Invalidate()
	return m.dp.ClearErrors()
}

// Read32 reads one aligned word.
func (m *MemAP) Read32(addr uint32) (uint32, error) {
	if addr&3 != 0 {
		return 0, fmt.Errorf("unaligned word read at 0x%08X", addr)
	}
	if err := m.setCSW(CSWSize32, CSWAddrIncOff); err != nil {
		return 0, err
	}
	if err := m.setTAR(addr); err != nil {
		return 0, err
	}
	v, err := m.dp.ReadAP(m.ap, APRegDRW)
	if err != nil {
		return 0, fmt.Errorf("read 0x%08X: %w", addr, err)
	}
	return v, nil
}

// Write32 writes one aligned word.
func (m *MemAP) Write32(addr uint32, value uint32) error {
	if addr&3 != 0 {
		return fmt.Errorf("unaligned word write at 0x%08X", addr)
	}
	if err := m.setCSW(CSWSize32, CSWAddrIncOff); err != nil {
		return err
	}
	if err := m.setTAR(addr); err != nil {
		return err
	}
	if err := m.dp.WriteAP(m.ap, APRegDRW, value); err != nil {
		return fmt.Errorf("write 0x%08X: %w", addr, err)
	}
	return nil
}

// Write16 writes one aligned half-word. The value is placed on the byte
// lanes selected by the address.
func (m *MemAP) Write16(addr uint32, value uint16) error {
	if addr&1 != 0 {
		return fmt.Errorf("unaligned half-word write at 0x%08X", addr)
	}
	if err := m.setCSW(CSWSize16, CSWAddrIncOff); err != nil {
		return err
	}
	if err := m.setTAR(addr); err != nil {
		return err
	}
	lane := (addr & 2) * 8
	if err := m.dp.WriteAP(m.ap, APRegDRW, uint32(value)<<lane); err != nil {
		return fmt.Errorf("write 0x%08X: %w", addr, err)
	}
	return nil
}

// Read8 reads a single byte.
func (m *MemAP) Read8(addr uint32) (uint8, error) {
	if err := m.setCSW(CSWSize8, CSWAddrIncOff); err != nil {
		return 0, err
	}
	if err := m.setTAR(addr); err != nil {
		return 0, err
	}
	v, err := m.dp.ReadAP(m.ap, APRegDRW)
	if err != nil {
		return 0, fmt.Errorf("read 0x%08X: %w", addr, err)
	}
	return uint8(v >> ((addr & 3) * 8)), nil
}

// Write8 writes a single byte.
func (m *MemAP) Write8(addr uint32, value uint8) error {
	if err := m.setCSW(CSWSize8, CSWAddrIncOff); err != nil {
		return err
	}
	if err := m.setTAR(addr); err != nil {
		return err
	}
	if err := m.dp.WriteAP(m.ap, APRegDRW, uint32(value)<<((addr&3)*8)); err != nil {
		return fmt.Errorf("write 0x%08X: %w", addr, err)
	}
	return nil
}

// ReadBlock32 reads consecutive words starting at addr, reloading TAR at
// every 1 KiB boundary.
func (m *MemAP) ReadBlock32(addr uint32, out []uint32) error {
	if addr&3 != 0 {
		return fmt.Errorf("unaligned block read at 0x%08X", addr)
	}
	if err := m.setCSW(CSWSize32, CSWAddrIncSing); err != nil {
		return err
	}
	for len(out) > 0 {
		n := min(len(out), int(tarWrap-addr%tarWrap)/4)
		if err := m.setTAR(addr); err != nil {
			return err
		}
		if err := m.dp.ReadAPBlock(m.ap, APRegDRW, out[:n]); err != nil {
			return fmt.Errorf("read block at 0x%08X: %w", addr, err)
		}
		out = out[n:]
		addr += uint32(n * 4)
	}
	return nil
}

// WriteBlock32 writes consecutive words starting at addr.
func (m *MemAP) WriteBlock32(addr uint32, data []uint32) error {
	if addr&3 != 0 {
		return fmt.Errorf("unaligned block write at 0x%08X", addr)
	}
	if err := m.setCSW(CSWSize32, CSWAddrIncSing); err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(len(data), int(tarWrap-addr%tarWrap)/4)
		if err := m.setTAR(addr); err != nil {
			return err
		}
		if err := m.dp.WriteAPBlock(m.ap, APRegDRW, data[:n]); err != nil {
			return fmt.Errorf("write block at 0x%08X: %w", addr, err)
		}
		data = data[n:]
		addr += uint32(n * 4)
	}
	return nil
}

func checkRange(addr uint64, n int) error {
	if addr+uint64(n) > 1<<32 {
		return fmt.Errorf("address range 0x%X+%d outside the 32-bit address space", addr, n)
	}
	return nil
}

// ReadMemory fills buf from target memory. Unaligned ranges are read as the
// covering words.
func (m *MemAP) ReadMemory(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := checkRange(addr, len(buf)); err != nil {
		return err
	}
	start := uint32(addr) &^ 3
	end := (uint64(addr) + uint64(len(buf)) + 3) &^ 3
	words := make([]uint32, (end-uint64(start))/4)
	if err := m.ReadBlock32(start, words); err != nil {
		return err
	}
	raw := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[i*4:], w)
	}
	copy(buf, raw[uint32(addr)-start:])
	return nil
}

// WriteMemory stores data at addr using byte accesses for the unaligned head
// and tail and a block transfer for the aligned middle.
func (m *MemAP) WriteMemory(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := checkRange(addr, len(data)); err != nil {
		return err
	}
	a := uint32(addr)
	for len(data) > 0 && a&3 != 0 {
		if err := m.Write8(a, data[0]); err != nil {
			return err
		}
		a++
		data = data[1:]
	}
	if n := len(data) / 4; n > 0 {
		words := make([]uint32, n)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		if err := m.WriteBlock32(a, words); err != nil {
			return err
		}
		a += uint32(n * 4)
		data = data[n*4:]
	}
	for _, b := range data {
		if err := m.Write8(a, b); err != nil {
			return err
		}
		a++
	}
	return nil
}
