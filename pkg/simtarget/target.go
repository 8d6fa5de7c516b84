// Package simtarget emulates a Cortex-M microcontroller behind a simulated
// SWD probe: memory, the debug registers of each core, the flash controller
// of the chip family and firmware that writes RTT output.
package simtarget

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

const (
	scsBase = 0xE000E000
	scsEnd  = 0xE000F000

	regCPUID = 0xE000ED00
	regAIRCR = 0xE000ED0C
	regDHCSR = 0xE000EDF0
	regDEMCR = 0xE000EDFC

	dhcsrKey      = 0xA05F
	dhcsrDebugEn  = 1 << 0
	dhcsrHalt     = 1 << 1
	dhcsrSRegRdy  = 1 << 16
	dhcsrSHalt    = 1 << 17
	dhcsrSResetSt = 1 << 25
	demcrVCReset  = 1 << 0
	aircrVectKey  = 0x05FA
	aircrSysReset = 1 << 2
)

type memory struct {
	region target.Region
	data   []byte
}

type coreState struct {
	cfg target.Core

	debugEn   bool
	haltReq   bool
	halted    bool
	resetSeen bool
	demcr     uint32
	resets    int
}

// Target is a simulated chip. It implements dap.Bus and dap.ResetLine and is
// safe for concurrent use.
type Target struct {
	mu sync.Mutex

	variant target.Variant
	mems    []*memory
	cores   []*coreState
	apCore  map[uint8]int
	numAPs  int

	inReset   bool
	pinResets int

	fpec *fpec
	nvmc *nvmc
	rtt  *rttState
}

// New builds a simulated chip from a database variant. RAM starts zeroed and
// flash erased.
func New(v target.Variant) *Target {
	t := &Target{
		variant: v,
		apCore:  make(map[uint8]int),
	}
	for _, r := range v.MemoryMap {
		m := &memory{region: r, data: make([]byte, r.Size)}
		if r.Kind == target.RegionFlash {
			fill(m.data, 0xFF)
		}
		t.mems = append(t.mems, m)
		switch r.Driver {
		case "stm32f1":
			t.fpec = newFPEC(m)
		case "nrf52":
			t.nvmc = &nvmc{flash: m}
		}
	}
	for i, c := range v.Cores {
		t.cores = append(t.cores, &coreState{cfg: c})
		t.apCore[c.AP] = i
		if int(c.AP)+1 > t.numAPs {
			t.numAPs = int(c.AP) + 1
		}
	}
	return t
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Variant returns the chip the target was built from.
func (t *Target) Variant() target.Variant {
	return t.variant
}

// NumAPs returns the number of access ports the simulated DP exposes.
func (t *Target) NumAPs() int {
	return t.numAPs
}

func (t *Target) core(ap uint8) (*coreState, int, error) {
	i, ok := t.apCore[ap]
	if !ok {
		return nil, 0, fmt.Errorf("no core behind AP %d", ap)
	}
	return t.cores[i], i, nil
}

func (t *Target) findMemory(addr uint32, size int) (*memory, int, error) {
	for _, m := range t.mems {
		if m.region.Contains(uint64(addr)) {
			off := int(uint64(addr) - m.region.Start)
			if off+size > len(m.data) {
				return nil, 0, fmt.Errorf("access at 0x%08X crosses end of %s", addr, m.region.Name)
			}
			return m, off, nil
		}
	}
	return nil, 0, fmt.Errorf("bus fault at 0x%08X", addr)
}

// Read implements dap.Bus.
func (t *Target) Read(ap uint8, addr uint32, size int) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, _, err := t.core(ap)
	if err != nil {
		return 0, err
	}

	switch {
	case addr >= scsBase && addr < scsEnd:
		word := t.readSCS(c, addr&^3)
		return extract(word, addr, size), nil
	case t.fpec != nil && t.fpec.owns(addr):
		return extract(t.fpec.read(addr&^3), addr, size), nil
	case t.nvmc != nil && t.nvmc.owns(addr):
		return extract(t.nvmc.read(addr&^3), addr, size), nil
	}

	m, off, err := t.findMemory(addr, size)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(m.data[off+i]) << (8 * i)
	}
	return v, nil
}

func extract(word uint32, addr uint32, size int) uint32 {
	v := word >> ((addr & 3) * 8)
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	}
	return v
}

// Write implements dap.Bus.
func (t *Target) Write(ap uint8, addr uint32, size int, value uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, idx, err := t.core(ap)
	if err != nil {
		return err
	}

	switch {
	case addr >= scsBase && addr < scsEnd:
		if size != 4 {
			return fmt.Errorf("bus fault: %d-byte write to SCS 0x%08X", size, addr)
		}
		t.writeSCS(c, idx, addr, value)
		return nil
	case t.fpec != nil && t.fpec.owns(addr):
		t.fpec.write(addr, value)
		return nil
	case t.nvmc != nil && t.nvmc.owns(addr):
		t.nvmc.write(addr, value)
		return nil
	}

	m, off, err := t.findMemory(addr, size)
	if err != nil {
		return err
	}
	if m.region.Kind == target.RegionFlash {
		return t.programFlash(m, off, size, value)
	}
	for i := 0; i < size; i++ {
		m.data[off+i] = byte(value >> (8 * i))
	}
	return nil
}

func (t *Target) programFlash(m *memory, off int, size int, value uint32) error {
	switch {
	case t.fpec != nil && t.fpec.flash == m:
		return t.fpec.program(off, size, value)
	case t.nvmc != nil && t.nvmc.flash == m:
		return t.nvmc.program(off, size, value)
	}
	return fmt.Errorf("bus fault: %s is read-only", m.region.Name)
}

func cpuid(coreType string) uint32 {
	switch coreType {
	case "armv6m":
		return 0x410CC200
	case "armv7m":
		return 0x411FC231
	default:
		return 0x410FC241
	}
}

func (t *Target) readSCS(c *coreState, addr uint32) uint32 {
	switch addr {
	case regCPUID:
		return cpuid(c.cfg.Type)
	case regAIRCR:
		return 0xFA050000
	case regDHCSR:
		v := uint32(dhcsrSRegRdy)
		if c.debugEn {
			v |= dhcsrDebugEn
		}
		if c.haltReq {
			v |= dhcsrHalt
		}
		if c.halted {
			v |= dhcsrSHalt
		}
		if c.resetSeen {
			v |= dhcsrSResetSt
			c.resetSeen = false
		}
		return v
	case regDEMCR:
		return c.demcr
	}
	return 0
}

func (t *Target) writeSCS(c *coreState, idx int, addr uint32, value uint32) {
	switch addr {
	case regDHCSR:
		if value>>16 != dhcsrKey {
			return
		}
		c.debugEn = value&dhcsrDebugEn != 0
		c.haltReq = c.debugEn && value&dhcsrHalt != 0
		if !t.inReset {
			c.halted = c.haltReq
		}
	case regDEMCR:
		c.demcr = value
	case regAIRCR:
		if value>>16 == aircrVectKey && value&aircrSysReset != 0 {
			c.resets++
			t.systemReset()
		}
	}
}

// systemReset resets every core and the flash controller. A core comes out
// of reset halted only when debug is enabled and the reset vector catch is
// armed.
func (t *Target) systemReset() {
	for _, c := range t.cores {
		c.resetSeen = true
		c.halted = c.debugEn && c.demcr&demcrVCReset != 0
		c.haltReq = c.halted
	}
	if t.fpec != nil {
		t.fpec.reset()
	}
	if t.nvmc != nil {
		t.nvmc.config = 0
	}
}

// SetReset implements dap.ResetLine. Releasing nRESET resets the system.
func (t *Target) SetReset(asserted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if asserted {
		if !t.inReset {
			t.pinResets++
		}
		t.inReset = true
		for _, c := range t.cores {
			c.halted = false
		}
		return
	}
	if t.inReset {
		t.inReset = false
		t.systemReset()
	}
}

// ResetCount returns how many system resets core i has requested.
func (t *Target) ResetCount(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.cores) {
		return 0
	}
	return t.cores[i].resets
}

// PinResets returns how often nRESET was asserted.
func (t *Target) PinResets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinResets
}

// Halted reports whether core i is in debug state.
func (t *Target) Halted(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.cores) {
		return false
	}
	return t.cores[i].halted
}

// Peek copies n bytes of target memory starting at addr.
func (t *Target) Peek(addr uint64, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peek(addr, n)
}

func (t *Target) peek(addr uint64, n int) ([]byte, error) {
	m, off, err := t.findMemory(uint32(addr), n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.data[off:off+n]...), nil
}

// Poke stores data at addr, bypassing flash programming rules. It is meant
// for preparing memory contents.
func (t *Target) Poke(addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poke(addr, data)
}

func (t *Target) poke(addr uint64, data []byte) error {
	m, off, err := t.findMemory(uint32(addr), len(data))
	if err != nil {
		return err
	}
	copy(m.data[off:], data)
	return nil
}

func (t *Target) peek32(addr uint64) uint32 {
	b, err := t.peek(addr, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (t *Target) poke32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	t.poke(addr, b[:])
}

// Erase clears RAM to zero and flash to 0xFF, removing any RTT control
// block.
func (t *Target) Erase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.mems {
		if m.region.Kind == target.RegionFlash {
			fill(m.data, 0xFF)
		} else {
			fill(m.data, 0)
		}
	}
	t.rtt = nil
}
