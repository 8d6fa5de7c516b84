package flashing

import (
	"encoding/binary"
	"fmt"
)

// STM32F1 FPEC registers
const (
	f1KEYR = 0x40022004
	f1SR   = 0x4002200C
	f1CR   = 0x40022010
	f1AR   = 0x40022014

	f1Key1 = 0x45670123
	f1Key2 = 0xCDEF89AB

	f1SRBusy   = 1 << 0
	f1SRPgErr  = 1 << 2
	f1SRWrPrt  = 1 << 4
	f1SREOP    = 1 << 5
	f1CRPG     = 1 << 0
	f1CRPER    = 1 << 1
	f1CRSTRT   = 1 << 6
	f1CRLock   = 1 << 7
	f1SRErrors = f1SRPgErr | f1SRWrPrt
)

type stm32f1 struct{}

func (*stm32f1) Name() string { return "stm32f1" }
func (*stm32f1) Align() int   { return 2 }

func (*stm32f1) Begin(mem Memory) error {
	cr, err := mem.Read32(f1CR)
	if err != nil {
		return err
	}
	if cr&f1CRLock != 0 {
		if err := mem.Write32(f1KEYR, f1Key1); err != nil {
			return err
		}
		if err := mem.Write32(f1KEYR, f1Key2); err != nil {
			return err
		}
		if cr, err = mem.Read32(f1CR); err != nil {
			return err
		}
		if cr&f1CRLock != 0 {
			return fmt.Errorf("stm32f1: flash stays locked")
		}
	}
	return mem.Write32(f1SR, f1SREOP|f1SRErrors)
}

func (d *stm32f1) wait(mem Memory) error {
	sr, err := poll(mem, f1SR, func(v uint32) bool { return v&f1SRBusy == 0 })
	if err != nil {
		return err
	}
	if sr&f1SRErrors != 0 {
		mem.Write32(f1SR, f1SRErrors)
		return fmt.Errorf("stm32f1: flash error (SR 0x%02X)", sr)
	}
	return nil
}

func (d *stm32f1) ErasePage(mem Memory, addr uint64) error {
	if err := mem.Write32(f1CR, f1CRPER); err != nil {
		return err
	}
	if err := mem.Write32(f1AR, uint32(addr)); err != nil {
		return err
	}
	if err := mem.Write32(f1CR, f1CRPER|f1CRSTRT); err != nil {
		return err
	}
	if err := d.wait(mem); err != nil {
		return fmt.Errorf("erase page 0x%08X: %w", addr, err)
	}
	return mem.Write32(f1CR, 0)
}

func (d *stm32f1) Program(mem Memory, addr uint64, data []byte) error {
	if err := mem.Write32(f1CR, f1CRPG); err != nil {
		return err
	}
	for i := 0; i+1 < len(data); i += 2 {
		a := uint32(addr) + uint32(i)
		if err := mem.Write16(a, binary.LittleEndian.Uint16(data[i:])); err != nil {
			return fmt.Errorf("program 0x%08X: %w", a, err)
		}
		if err := d.wait(mem); err != nil {
			return fmt.Errorf("program 0x%08X: %w", a, err)
		}
	}
	return mem.Write32(f1CR, 0)
}

func (*stm32f1) End(mem Memory) error {
	return mem.Write32(f1CR, f1CRLock)
}
