package dap

import (
	"errors"
	"fmt"
)

// AdapterInfo describes capabilities reported by a debug probe implementation.
type AdapterInfo struct {
	Name         string
	Vendor       string
	Model        string
	SerialNumber string
	Firmware     string
	MinFrequency int // Hertz
	MaxFrequency int // Hertz
	SupportsSRST bool
	Notes        string
}

// Port abstracts raw SWD access to an ARM Debug Port and the currently
// selected Access Port. Register addresses are the A[3:2] byte offsets
// (0x0, 0x4, 0x8, 0xC); AP and bank selection is done by writing the DP
// SELECT register, which is the caller's responsibility.
type Port interface {
	Info() (AdapterInfo, error)
	Connect() error
	ReadDP(addr uint8) (uint32, error)
	WriteDP(addr uint8, value uint32) error
	ReadAP(addr uint8) (uint32, error)
	WriteAP(addr uint8, value uint32) error
	ReadAPBlock(addr uint8, out []uint32) error
	WriteAPBlock(addr uint8, data []uint32) error
	SetReset(asserted bool) error
	SetSpeed(hz int) error
	Close() error
}

// DP register addresses.
const (
	DPRegIDR      = 0x0 // read
	DPRegAbort    = 0x0 // write
	DPRegCtrlStat = 0x4
	DPRegSelect   = 0x8
	DPRegRdBuff   = 0xC
)

var (
	// ErrNotImplemented lets backends signal that a requested capability is not
	// available without relying on fmt.Errorf each time.
	ErrNotImplemented = errors.New("dap: not implemented")

	ErrAckWait      = errors.New("dap: target responded WAIT")
	ErrAckFault     = errors.New("dap: target responded FAULT")
	ErrAckProtocol  = errors.New("dap: SWD protocol error")
	ErrNotConnected = errors.New("dap: port not connected")
)

// ackError maps a CMSIS-DAP transfer response byte to an error.
func ackError(ack byte) error {
	switch {
	case ack&0x08 != 0:
		return ErrAckProtocol
	case ack&0x07 == 0x01:
		return nil
	case ack&0x07 == 0x02:
		return ErrAckWait
	case ack&0x07 == 0x04:
		return ErrAckFault
	default:
		return fmt.Errorf("dap: unexpected ack 0x%02X", ack)
	}
}

// ValidateRegister ensures addr is a word aligned DP/AP register offset.
func ValidateRegister(addr uint8) error {
	if addr&0x3 != 0 || addr > 0xC {
		return fmt.Errorf("dap: invalid register offset 0x%X", addr)
	}
	return nil
}
