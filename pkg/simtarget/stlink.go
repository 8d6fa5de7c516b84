package simtarget

import (
	"bytes"
	"fmt"

	"github.com/bbnote/gostlink"
)

// STLinkDevice is the chip as an ST-Link sees it: plain memory transfers
// through access port 0. It satisfies stlink.Device.
type STLinkDevice struct {
	t *Target

	// Transfers counts ReadMem and WriteMem calls.
	Transfers int
}

// STLinkDevice returns the memory interface an ST-Link would offer.
func (t *Target) STLinkDevice() *STLinkDevice {
	return &STLinkDevice{t: t}
}

func blockSize(size gostlink.MemoryBlockSize) (int, error) {
	switch size {
	case gostlink.Memory8BitBlock, gostlink.Memory16BitBlock, gostlink.Memory32BitBlock:
		return int(size), nil
	}
	return 0, fmt.Errorf("unsupported block size %d", size)
}

func (d *STLinkDevice) ReadMem(addr uint32, size gostlink.MemoryBlockSize, count uint32, buf *bytes.Buffer) error {
	d.Transfers++
	n, err := blockSize(size)
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		v, err := d.t.Read(0, addr+uint32(i*n), n)
		if err != nil {
			return err
		}
		for j := 0; j < n; j++ {
			buf.WriteByte(byte(v >> (8 * j)))
		}
	}
	return nil
}

func (d *STLinkDevice) WriteMem(addr uint32, size gostlink.MemoryBlockSize, count uint32, data []byte) error {
	d.Transfers++
	n, err := blockSize(size)
	if err != nil {
		return err
	}
	if len(data) < int(count)*n {
		return fmt.Errorf("write of %d units needs %d bytes, got %d", count, int(count)*n, len(data))
	}
	for i := 0; i < int(count); i++ {
		var v uint32
		for j := 0; j < n; j++ {
			v |= uint32(data[i*n+j]) << (8 * j)
		}
		if err := d.t.Write(0, addr+uint32(i*n), n, v); err != nil {
			return err
		}
	}
	return nil
}
