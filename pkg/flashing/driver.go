package flashing

import (
	"errors"
	"fmt"
	"time"
)

// Memory is the target access flash drivers need. arm.Core satisfies it.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, value uint32) error
	Write16(addr uint32, value uint16) error
}

var (
	// ErrNoRegion means image data lies outside the chip's memory map.
	ErrNoRegion = errors.New("flashing: address not in any memory region")
	// ErrNoDriver means the flash region cannot be programmed.
	ErrNoDriver = errors.New("flashing: no flash driver for region")
	// ErrTimeout means the flash controller stayed busy.
	ErrTimeout = errors.New("flashing: flash controller timeout")
)

// Driver programs one kind of on-chip flash controller.
type Driver interface {
	Name() string
	// Align is the programming unit in bytes.
	Align() int
	Begin(mem Memory) error
	ErasePage(mem Memory, addr uint64) error
	// Program writes data at addr; both are multiples of Align.
	Program(mem Memory, addr uint64, data []byte) error
	End(mem Memory) error
}

var drivers = map[string]func() Driver{
	"stm32f1": func() Driver { return &stm32f1{} },
	"nrf52":   func() Driver { return &nrf52{} },
}

// LookupDriver returns a new driver instance by name.
func LookupDriver(name string) (Driver, error) {
	mk, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDriver, name)
	}
	return mk(), nil
}

const flashTimeout = 2 * time.Second

// poll reads reg until done returns true.
func poll(mem Memory, reg uint32, done func(uint32) bool) (uint32, error) {
	deadline := time.Now().Add(flashTimeout)
	for {
		v, err := mem.Read32(reg)
		if err != nil {
			return 0, err
		}
		if done(v) {
			return v, nil
		}
		if time.Now().After(deadline) {
			return v, fmt.Errorf("%w (register 0x%08X = 0x%08X)", ErrTimeout, reg, v)
		}
		time.Sleep(100 * time.Microsecond)
	}
}
