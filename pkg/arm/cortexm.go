package arm

import (
	"fmt"
	"time"
)

// System control space registers
const (
	RegCPUID = 0xE000ED00
	RegAIRCR = 0xE000ED0C
	RegDHCSR = 0xE000EDF0
	RegDEMCR = 0xE000EDFC
)

// DHCSR fields
const (
	DHCSRKey       = 0xA05F << 16
	DHCSRDebugEn   = 1 << 0
	DHCSRHalt      = 1 << 1
	DHCSRSRegRdy   = 1 << 16
	DHCSRSHalt     = 1 << 17
	DHCSRSResetSt  = 1 << 25
	DEMCRVCCoreRst = 1 << 0
	AIRCRVectKey   = 0x05FA << 16
	AIRCRSysResetR = 1 << 2
)

const (
	haltTimeout  = 100 * time.Millisecond
	resetTimeout = 500 * time.Millisecond
)

// Bus is memory access to one core's view of the system. A MemAP is one;
// probes whose firmware hides the DP and AP registers, such as ST-Link,
// provide their own.
type Bus interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, value uint32) error
	Write16(addr uint32, value uint16) error
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error

	// AP is the access port index behind the bus.
	AP() uint8
	// Invalidate drops cached access state after a reset.
	Invalidate()
	// Recover clears sticky errors after a faulted access.
	Recover() error
}

// Core is a Cortex-M processor reached through a Bus. Memory accesses are
// forwarded to the bus, so a Core can be handed to code that only needs
// memory.
type Core struct {
	Bus

	Index int
	Name  string
	Type  string
}

// NewCore creates a core handle.
func NewCore(index int, name, coreType string, bus Bus) *Core {
	return &Core{Bus: bus, Index: index, Name: name, Type: coreType}
}

// CPUID reads the CPUID base register.
func (c *Core) CPUID() (uint32, error) {
	return c.Read32(RegCPUID)
}

// EnableDebug sets C_DEBUGEN without halting the core.
func (c *Core) EnableDebug() error {
	return c.Write32(RegDHCSR, DHCSRKey|DHCSRDebugEn)
}

// IsHalted reports whether the core is in debug state.
func (c *Core) IsHalted() (bool, error) {
	dhcsr, err := c.Read32(RegDHCSR)
	if err != nil {
		return false, err
	}
	return dhcsr&DHCSRSHalt != 0, nil
}

// Halt requests debug state and waits until the core reports it.
func (c *Core) Halt() error {
	if err := c.Write32(RegDHCSR, DHCSRKey|DHCSRDebugEn|DHCSRHalt); err != nil {
		return fmt.Errorf("core %d: halt: %w", c.Index, err)
	}
	return c.WaitHalted(haltTimeout)
}

// WaitHalted polls DHCSR until S_HALT is set.
func (c *Core) WaitHalted(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		halted, err := c.IsHalted()
		if err != nil {
			return fmt.Errorf("core %d: %w", c.Index, err)
		}
		if halted {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("core %d: timeout waiting for halt", c.Index)
		}
		time.Sleep(time.Millisecond)
	}
}

// Run leaves debug state, keeping debug enabled.
func (c *Core) Run() error {
	if err := c.Write32(RegDHCSR, DHCSRKey|DHCSRDebugEn); err != nil {
		return fmt.Errorf("core %d: run: %w", c.Index, err)
	}
	return nil
}

// SetVectorCatch enables or disables the reset vector catch.
func (c *Core) SetVectorCatch(enabled bool) error {
	demcr, err := c.Read32(RegDEMCR)
	if err != nil {
		return err
	}
	if enabled {
		demcr |= DEMCRVCCoreRst
	} else {
		demcr &^= DEMCRVCCoreRst
	}
	return c.Write32(RegDEMCR, demcr)
}

// Reset performs a system reset through AIRCR.SYSRESETREQ and waits until
// DHCSR reports that the reset happened. The core runs afterwards unless a
// vector catch is armed.
func (c *Core) Reset() error {
	if err := c.Run(); err != nil {
		return err
	}
	// Read once to drop a stale S_RESET_ST
	if _, err := c.Read32(RegDHCSR); err != nil {
		return fmt.Errorf("core %d: %w", c.Index, err)
	}
	if err := c.Write32(RegAIRCR, AIRCRVectKey|AIRCRSysResetR); err != nil {
		return fmt.Errorf("core %d: request reset: %w", c.Index, err)
	}
	c.Invalidate()
	return c.waitReset()
}

func (c *Core) waitReset() error {
	deadline := time.Now().Add(resetTimeout)
	for {
		dhcsr, err := c.Read32(RegDHCSR)
		if err == nil && dhcsr&DHCSRSResetSt != 0 {
			return nil
		}
		if err != nil {
			// The AP may fault while the system is in reset
			c.Recover()
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("core %d: reset: %w", c.Index, err)
			}
			return fmt.Errorf("core %d: reset not observed", c.Index)
		}
		time.Sleep(time.Millisecond)
	}
}

// ResetAndHalt resets the core and stops it on the first instruction.
func (c *Core) ResetAndHalt() error {
	if err := c.EnableDebug(); err != nil {
		return fmt.Errorf("core %d: %w", c.Index, err)
	}
	if err := c.SetVectorCatch(true); err != nil {
		return fmt.Errorf("core %d: vector catch: %w", c.Index, err)
	}
	if err := c.Write32(RegAIRCR, AIRCRVectKey|AIRCRSysResetR); err != nil {
		return fmt.Errorf("core %d: request reset: %w", c.Index, err)
	}
	c.Invalidate()
	if err := c.waitReset(); err != nil {
		return err
	}
	if err := c.WaitHalted(haltTimeout); err != nil {
		return err
	}
	return c.SetVectorCatch(false)
}

// Detach clears C_DEBUGEN so the core runs without debug control.
func (c *Core) Detach() error {
	return c.Write32(RegDHCSR, DHCSRKey)
}
