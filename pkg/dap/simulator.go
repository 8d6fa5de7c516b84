package dap

import "fmt"

// Bus is the memory system behind the simulated MEM-APs. size is the access
// width in bytes (1, 2 or 4); values are right aligned.
type Bus interface {
	Read(ap uint8, addr uint32, size int) (uint32, error)
	Write(ap uint8, addr uint32, size int, value uint32) error
}

// ResetLine is implemented by buses that react to the nRESET pin.
type ResetLine interface {
	SetReset(asserted bool)
}

// MEM-AP register offsets and CSW fields understood by the simulator.
const (
	simAPCSW = 0x00
	simAPTAR = 0x04
	simAPDRW = 0x0C
	simAPIDR = 0xFC

	simCSWSizeMask = 0x7
	simCSWAddrInc  = 0x30
)

// SimDPIDR is the DPIDR reported by the simulator (ARM SW-DP v2).
const SimDPIDR = 0x2BA01477

// SimAPIDR is the IDR reported by every simulated AP (AHB-AP).
const SimAPIDR = 0x24770011

type simAP struct {
	csw uint32
	tar uint32
}

// SimPort is an in-memory SW-DP with one AHB MEM-AP per AP index. It is
// useful for unit tests and for running the tool without hardware.
type SimPort struct {
	InfoData AdapterInfo
	SpeedHz  int

	bus       Bus
	numAPs    int
	aps       []simAP
	sel       uint32
	ctrlStat  uint32
	connected bool
	reset     bool

	resets    int
	transfers int
}

// NewSimPort constructs a simulator with numAPs MEM-APs in front of bus.
func NewSimPort(bus Bus, numAPs int) *SimPort {
	if numAPs < 1 {
		numAPs = 1
	}
	return &SimPort{
		InfoData: AdapterInfo{
			Name:         "SWD Simulator",
			Vendor:       "OpenTraceLab",
			Model:        "Sim-1.0",
			MinFrequency: 1000,
			MaxFrequency: 50_000_000,
			SupportsSRST: true,
		},
		bus:    bus,
		numAPs: numAPs,
		aps:    make([]simAP, numAPs),
	}
}

// SetBus replaces the memory system behind the APs.
func (s *SimPort) SetBus(bus Bus, numAPs int) {
	if numAPs < 1 {
		numAPs = 1
	}
	s.bus = bus
	s.numAPs = numAPs
	s.aps = make([]simAP, numAPs)
}

// ResetCount reports how many times nRESET has been asserted.
func (s *SimPort) ResetCount() int {
	return s.resets
}

// Transfers reports the number of register accesses performed.
func (s *SimPort) Transfers() int {
	return s.transfers
}

func (s *SimPort) Info() (AdapterInfo, error) {
	return s.InfoData, nil
}

func (s *SimPort) Connect() error {
	s.connected = true
	return nil
}

func (s *SimPort) ReadDP(addr uint8) (uint32, error) {
	if err := s.check(addr); err != nil {
		return 0, err
	}
	switch addr {
	case DPRegIDR:
		return SimDPIDR, nil
	case DPRegCtrlStat:
		// Mirror the power-up requests into their acknowledge bits
		v := s.ctrlStat
		if v&(1<<28) != 0 {
			v |= 1 << 29
		}
		if v&(1<<30) != 0 {
			v |= 1 << 31
		}
		return v, nil
	case DPRegSelect:
		return s.sel, nil
	default:
		return 0, nil
	}
}

func (s *SimPort) WriteDP(addr uint8, value uint32) error {
	if err := s.check(addr); err != nil {
		return err
	}
	switch addr {
	case DPRegAbort:
	case DPRegCtrlStat:
		s.ctrlStat = value
	case DPRegSelect:
		s.sel = value
	}
	return nil
}

func (s *SimPort) ReadAP(addr uint8) (uint32, error) {
	if err := s.check(addr); err != nil {
		return 0, err
	}
	ap, reg, err := s.selected(addr)
	if err != nil {
		return 0, err
	}
	switch reg {
	case simAPCSW:
		return ap.csw, nil
	case simAPTAR:
		return ap.tar, nil
	case simAPDRW:
		return s.readDRW(ap)
	case simAPIDR:
		return SimAPIDR, nil
	default:
		return 0, nil
	}
}

func (s *SimPort) WriteAP(addr uint8, value uint32) error {
	if err := s.check(addr); err != nil {
		return err
	}
	ap, reg, err := s.selected(addr)
	if err != nil {
		return err
	}
	switch reg {
	case simAPCSW:
		ap.csw = value
	case simAPTAR:
		ap.tar = value
	case simAPDRW:
		return s.writeDRW(ap, value)
	}
	return nil
}

func (s *SimPort) ReadAPBlock(addr uint8, out []uint32) error {
	for i := range out {
		v, err := s.ReadAP(addr)
		if err != nil {
			return err
		}
		out[i] = v
	}
	return nil
}

func (s *SimPort) WriteAPBlock(addr uint8, data []uint32) error {
	for _, v := range data {
		if err := s.WriteAP(addr, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimPort) SetReset(asserted bool) error {
	if asserted && !s.reset {
		s.resets++
	}
	s.reset = asserted
	if rl, ok := s.bus.(ResetLine); ok {
		rl.SetReset(asserted)
	}
	return nil
}

func (s *SimPort) SetSpeed(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("dap: invalid speed %dHz", hz)
	}
	s.SpeedHz = hz
	return nil
}

func (s *SimPort) Close() error {
	s.connected = false
	return nil
}

func (s *SimPort) check(addr uint8) error {
	if !s.connected {
		return ErrNotConnected
	}
	if err := ValidateRegister(addr); err != nil {
		return err
	}
	s.transfers++
	return nil
}

func (s *SimPort) selected(addr uint8) (*simAP, uint8, error) {
	apsel := int(s.sel >> 24)
	if apsel >= s.numAPs || s.bus == nil {
		return nil, 0, ErrAckFault
	}
	reg := uint8(s.sel&0xF0) | addr
	return &s.aps[apsel], reg, nil
}

func (s *SimPort) apIndex(ap *simAP) uint8 {
	for i := range s.aps {
		if &s.aps[i] == ap {
			return uint8(i)
		}
	}
	return 0
}

func accessSize(csw uint32) (int, error) {
	switch csw & simCSWSizeMask {
	case 0:
		return 1, nil
	case 1:
		return 2, nil
	case 2:
		return 4, nil
	default:
		return 0, fmt.Errorf("dap: unsupported CSW size %d", csw&simCSWSizeMask)
	}
}

func (s *SimPort) readDRW(ap *simAP) (uint32, error) {
	size, err := accessSize(ap.csw)
	if err != nil {
		return 0, err
	}
	addr := ap.tar &^ uint32(size-1)
	v, err := s.bus.Read(s.apIndex(ap), addr, size)
	if err != nil {
		return 0, fmt.Errorf("%w: read 0x%08X: %v", ErrAckFault, addr, err)
	}
	lane := (ap.tar & 3) * 8
	s.advance(ap, size)
	return v << lane, nil
}

func (s *SimPort) writeDRW(ap *simAP, value uint32) error {
	size, err := accessSize(ap.csw)
	if err != nil {
		return err
	}
	addr := ap.tar &^ uint32(size-1)
	lane := (ap.tar & 3) * 8
	v := value >> lane
	switch size {
	case 1:
		v &= 0xFF
	case 2:
		v &= 0xFFFF
	}
	if err := s.bus.Write(s.apIndex(ap), addr, size, v); err != nil {
		return fmt.Errorf("%w: write 0x%08X: %v", ErrAckFault, addr, err)
	}
	s.advance(ap, size)
	return nil
}

// advance implements single auto-increment, wrapping inside the 1 KiB
// boundary the way real MEM-APs do.
func (s *SimPort) advance(ap *simAP, size int) {
	if ap.csw&simCSWAddrInc != 0x10 {
		return
	}
	next := ap.tar + uint32(size)
	ap.tar = (ap.tar &^ 0x3FF) | (next & 0x3FF)
}
