package simtarget

import "fmt"

// STM32F1 flash program/erase controller
const (
	fpecBase = 0x40022000
	fpecKEYR = fpecBase + 0x04
	fpecSR   = fpecBase + 0x0C
	fpecCR   = fpecBase + 0x10
	fpecAR   = fpecBase + 0x14

	fpecKey1 = 0x45670123
	fpecKey2 = 0xCDEF89AB

	fpecSRPgErr   = 1 << 2
	fpecSRWrPrt   = 1 << 4
	fpecSREOP     = 1 << 5
	fpecCRPG      = 1 << 0
	fpecCRPER     = 1 << 1
	fpecCRMER     = 1 << 2
	fpecCRSTRT    = 1 << 6
	fpecCRLock    = 1 << 7
	fpecSRClrMask = fpecSRPgErr | fpecSRWrPrt | fpecSREOP
)

type fpec struct {
	flash *memory

	locked   bool
	keyStage int
	cr       uint32
	ar       uint32
	sr       uint32
}

func newFPEC(flash *memory) *fpec {
	f := &fpec{flash: flash}
	f.reset()
	return f
}

func (f *fpec) reset() {
	f.locked = true
	f.keyStage = 0
	f.cr = 0
	f.ar = 0
	f.sr = 0
}

func (f *fpec) owns(addr uint32) bool {
	return addr >= fpecBase && addr < fpecBase+0x400
}

func (f *fpec) read(addr uint32) uint32 {
	switch addr {
	case fpecSR:
		return f.sr
	case fpecCR:
		if f.locked {
			return f.cr | fpecCRLock
		}
		return f.cr
	case fpecAR:
		return f.ar
	}
	return 0
}

func (f *fpec) write(addr uint32, value uint32) {
	switch addr {
	case fpecKEYR:
		switch {
		case f.keyStage == 0 && value == fpecKey1:
			f.keyStage = 1
		case f.keyStage == 1 && value == fpecKey2:
			f.locked = false
			f.keyStage = 0
		default:
			f.keyStage = 0
		}
	case fpecSR:
		f.sr &^= value & fpecSRClrMask
	case fpecAR:
		f.ar = value
	case fpecCR:
		if f.locked {
			return
		}
		if value&fpecCRLock != 0 {
			f.locked = true
		}
		f.cr = value &^ (fpecCRLock | fpecCRSTRT)
		if value&fpecCRSTRT != 0 {
			f.erase(value)
		}
	}
}

func (f *fpec) erase(cr uint32) {
	switch {
	case cr&fpecCRMER != 0:
		fill(f.flash.data, 0xFF)
	case cr&fpecCRPER != 0:
		r := f.flash.region
		if !r.Contains(uint64(f.ar)) {
			f.sr |= fpecSRPgErr
			return
		}
		page := (uint64(f.ar) - r.Start) / r.PageSize * r.PageSize
		fill(f.flash.data[page:page+r.PageSize], 0xFF)
	default:
		return
	}
	f.sr |= fpecSREOP
}

func (f *fpec) program(off int, size int, value uint32) error {
	if f.locked || f.cr&fpecCRPG == 0 {
		return fmt.Errorf("bus fault: flash write at offset 0x%X without PG", off)
	}
	if size != 2 {
		f.sr |= fpecSRPgErr
		return nil
	}
	cur := uint16(f.flash.data[off]) | uint16(f.flash.data[off+1])<<8
	if cur != 0xFFFF && value&0xFFFF != 0 {
		f.sr |= fpecSRPgErr
		return nil
	}
	f.flash.data[off] = byte(value)
	f.flash.data[off+1] = byte(value >> 8)
	f.sr |= fpecSREOP
	return nil
}

// nRF52 non-volatile memory controller
const (
	nvmcBase      = 0x4001E000
	nvmcReady     = nvmcBase + 0x400
	nvmcConfig    = nvmcBase + 0x504
	nvmcErasePage = nvmcBase + 0x508
	nvmcEraseAll  = nvmcBase + 0x50C
)

type nvmc struct {
	flash  *memory
	config uint32
}

func (n *nvmc) owns(addr uint32) bool {
	return addr >= nvmcBase && addr < nvmcBase+0x1000
}

func (n *nvmc) read(addr uint32) uint32 {
	switch addr {
	case nvmcReady:
		return 1
	case nvmcConfig:
		return n.config
	}
	return 0
}

func (n *nvmc) write(addr uint32, value uint32) {
	switch addr {
	case nvmcConfig:
		n.config = value & 3
	case nvmcErasePage:
		r := n.flash.region
		if n.config != 2 || !r.Contains(uint64(value)) {
			return
		}
		page := (uint64(value) - r.Start) / r.PageSize * r.PageSize
		fill(n.flash.data[page:page+r.PageSize], 0xFF)
	case nvmcEraseAll:
		if n.config == 2 && value == 1 {
			fill(n.flash.data, 0xFF)
		}
	}
}

// program clears bits only, the way NOR flash does.
func (n *nvmc) program(off int, size int, value uint32) error {
	if n.config != 1 {
		return fmt.Errorf("bus fault: flash write at offset 0x%X with NVMC write disabled", off)
	}
	if size != 4 || off&3 != 0 {
		return fmt.Errorf("bus fault: %d-byte flash write at offset 0x%X", size, off)
	}
	for i := 0; i < 4; i++ {
		n.flash.data[off+i] &= byte(value >> (8 * i))
	}
	return nil
}
