package flashing

import (
	"encoding/binary"
	"fmt"
)

// nRF52 NVMC registers
const (
	nvmcReady     = 0x4001E400
	nvmcConfig    = 0x4001E504
	nvmcErasePage = 0x4001E508

	nvmcConfigRead  = 0
	nvmcConfigWrite = 1
	nvmcConfigErase = 2
)

type nrf52 struct{}

func (*nrf52) Name() string { return "nrf52" }
func (*nrf52) Align() int   { return 4 }

func (*nrf52) Begin(mem Memory) error {
	return mem.Write32(nvmcConfig, nvmcConfigRead)
}

func (*nrf52) wait(mem Memory) error {
	_, err := poll(mem, nvmcReady, func(v uint32) bool { return v&1 != 0 })
	return err
}

func (d *nrf52) ErasePage(mem Memory, addr uint64) error {
	if err := mem.Write32(nvmcConfig, nvmcConfigErase); err != nil {
		return err
	}
	if err := mem.Write32(nvmcErasePage, uint32(addr)); err != nil {
		return err
	}
	if err := d.wait(mem); err != nil {
		return fmt.Errorf("erase page 0x%08X: %w", addr, err)
	}
	return mem.Write32(nvmcConfig, nvmcConfigRead)
}

func (d *nrf52) Program(mem Memory, addr uint64, data []byte) error {
	if err := mem.Write32(nvmcConfig, nvmcConfigWrite); err != nil {
		return err
	}
	for i := 0; i+3 < len(data); i += 4 {
		a := uint32(addr) + uint32(i)
		if err := mem.Write32(a, binary.LittleEndian.Uint32(data[i:])); err != nil {
			return fmt.Errorf("program 0x%08X: %w", a, err)
		}
		if err := d.wait(mem); err != nil {
			return fmt.Errorf("program 0x%08X: %w", a, err)
		}
	}
	return mem.Write32(nvmcConfig, nvmcConfigRead)
}

func (*nrf52) End(mem Memory) error {
	return mem.Write32(nvmcConfig, nvmcConfigRead)
}
