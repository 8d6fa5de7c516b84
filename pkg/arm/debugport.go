// Package arm implements the ARM Debug Interface v5 on top of a dap.Port:
// debug port bring-up, MEM-AP memory access and Cortex-M core control.
package arm

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/dap"
)

// CTRL/STAT bits
const (
	CtrlCSYSPWRUPACK = 1 << 31
	CtrlCSYSPWRUPREQ = 1 << 30
	CtrlCDBGPWRUPACK = 1 << 29
	CtrlCDBGPWRUPREQ = 1 << 28
)

// AbortClearAll clears STKCMPCLR, STKERRCLR, WDERRCLR and ORUNERRCLR.
const AbortClearAll = 0x1E

const powerUpTimeout = 100 * time.Millisecond

// DebugPort wraps a dap.Port and tracks the DP SELECT register so that AP
// accesses only rewrite it when the AP or register bank changes.
type DebugPort struct {
	port dap.Port

	sel      uint32
	selValid bool
}

// NewDebugPort creates a debug port on an already connected dap.Port.
func NewDebugPort(port dap.Port) *DebugPort {
	return &DebugPort{port: port}
}

// Port returns the underlying probe port.
func (d *DebugPort) Port() dap.Port {
	return d.port
}

// Init reads DPIDR, clears sticky errors and powers up the debug and system
// domains. It returns the DPIDR value.
func (d *DebugPort) Init() (uint32, error) {
	d.selValid = false

	idr, err := d.port.ReadDP(dap.DPRegIDR)
	if err != nil {
		return 0, fmt.Errorf("read DPIDR: %w", err)
	}
	if idr == 0 || idr == 0xFFFFFFFF {
		return 0, fmt.Errorf("no debug port responded (DPIDR 0x%08X)", idr)
	}

	if err := d.ClearErrors(); err != nil {
		return 0, err
	}

	if err := d.port.WriteDP(dap.DPRegCtrlStat, CtrlCSYSPWRUPREQ|CtrlCDBGPWRUPREQ); err != nil {
		return 0, fmt.Errorf("power-up request: %w", err)
	}

	deadline := time.Now().Add(powerUpTimeout)
	for {
		stat, err := d.port.ReadDP(dap.DPRegCtrlStat)
		if err != nil {
			return 0, fmt.Errorf("read CTRL/STAT: %w", err)
		}
		if stat&(CtrlCSYSPWRUPACK|CtrlCDBGPWRUPACK) == CtrlCSYSPWRUPACK|CtrlCDBGPWRUPACK {
			return idr, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("debug power-up not acknowledged (CTRL/STAT 0x%08X)", stat)
		}
		time.Sleep(time.Millisecond)
	}
}

// ClearErrors writes ABORT to clear all sticky error flags.
func (d *DebugPort) ClearErrors() error {
	if err := d.port.WriteDP(dap.DPRegAbort, AbortClearAll); err != nil {
		return fmt.Errorf("clear sticky errors: %w", err)
	}
	return nil
}

// selectAP points SELECT at the given AP and the bank holding reg.
func (d *DebugPort) selectAP(ap uint8, reg uint8) error {
	sel := uint32(ap)<<24 | uint32(reg&0xF0)
	if d.selValid && d.sel == sel {
		return nil
	}
	if err := d.port.WriteDP(dap.DPRegSelect, sel); err != nil {
		d.selValid = false
		return fmt.Errorf("write SELECT: %w", err)
	}
	d.sel = sel
	d.selValid = true
	return nil
}

// ReadAP reads AP register reg (full 8-bit offset) of access port ap.
func (d *DebugPort) ReadAP(ap uint8, reg uint8) (uint32, error) {
	if err := d.selectAP(ap, reg); err != nil {
		return 0, err
	}
	return d.port.ReadAP(reg & 0x0C)
}

// WriteAP writes AP register reg of access port ap.
func (d *DebugPort) WriteAP(ap uint8, reg uint8, value uint32) error {
	if err := d.selectAP(ap, reg); err != nil {
		return err
	}
	return d.port.WriteAP(reg&0x0C, value)
}

// ReadAPBlock repeatedly reads one AP register.
func (d *DebugPort) ReadAPBlock(ap uint8, reg uint8, out []uint32) error {
	if err := d.selectAP(ap, reg); err != nil {
		return err
	}
	return d.port.ReadAPBlock(reg&0x0C, out)
}

// WriteAPBlock repeatedly writes one AP register.
func (d *DebugPort) WriteAPBlock(ap uint8, reg uint8, data []uint32) error {
	if err := d.selectAP(ap, reg); err != nil {
		return err
	}
	return d.port.WriteAPBlock(reg&0x0C, data)
}

// APIDR returns the identification register of an access port. Zero means
// no AP is present at that index.
func (d *DebugPort) APIDR(ap uint8) (uint32, error) {
	return d.ReadAP(ap, APRegIDR)
}
