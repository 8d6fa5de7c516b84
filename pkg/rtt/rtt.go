package rtt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Memory is the target memory access RTT needs. arm.Core satisfies it.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

// Control block layout on 32-bit targets.
const (
	idSize     = 16
	headerSize = idSize + 8
	descSize   = 24

	descName    = 0
	descBuf     = 4
	descBufSize = 8
	descWrOff   = 12
	descRdOff   = 16
	descFlags   = 20

	// maxChannels bounds MaxNumUpBuffers/MaxNumDownBuffers when validating
	// a candidate block.
	maxChannels = 255
	maxNameLen  = 32
	scanChunk   = 4096
)

// ControlBlockID is the identifier the firmware writes at the start of the
// control block.
var ControlBlockID = [idSize]byte{'S', 'E', 'G', 'G', 'E', 'R', ' ', 'R', 'T', 'T'}

var (
	// ErrControlBlockNotFound means no control block exists in the scanned
	// memory. It is often transient: firmware sets the block up after boot.
	ErrControlBlockNotFound = errors.New("rtt: control block not found")
	// ErrMultipleControlBlocks means a range scan matched more than once.
	ErrMultipleControlBlocks = errors.New("rtt: multiple control blocks found")
	// ErrCorrupt means a channel descriptor holds impossible offsets.
	ErrCorrupt = errors.New("rtt: corrupt channel descriptor")
)

// ChannelInfo describes a channel for listing.
type ChannelInfo struct {
	Number     int
	Name       string
	BufferSize uint32
	Flags      uint32
}

type channel struct {
	number   int
	name     string
	descAddr uint64
	bufAddr  uint64
	size     uint32
	flags    uint32
}

func (c *channel) Info() ChannelInfo {
	return ChannelInfo{Number: c.number, Name: c.name, BufferSize: c.size, Flags: c.flags}
}

// Number is the channel index inside the control block.
func (c *channel) Number() int { return c.number }

// Name is the channel name, possibly empty.
func (c *channel) Name() string { return c.name }

// UpChannel is a target-to-host ring buffer.
type UpChannel struct {
	channel
}

// DownChannel is a host-to-target ring buffer. Only its description is
// exposed.
type DownChannel struct {
	channel
}

// ControlBlock is an attached RTT control block.
type ControlBlock struct {
	addr uint64
	up   []*UpChannel
	down []*DownChannel
}

// Address returns where the control block was found.
func (cb *ControlBlock) Address() uint64 {
	return cb.addr
}

// UpChannels returns the usable up-channels in descriptor order.
func (cb *ControlBlock) UpChannels() []*UpChannel {
	return cb.up
}

// DownChannels returns the usable down-channels in descriptor order.
func (cb *ControlBlock) DownChannels() []*DownChannel {
	return cb.down
}

// UpChannelInfo lists the up-channels.
func (cb *ControlBlock) UpChannelInfo() []ChannelInfo {
	out := make([]ChannelInfo, len(cb.up))
	for i, c := range cb.up {
		out[i] = c.Info()
	}
	return out
}

// Attach finds and parses the control block. ram lists the chip's RAM and
// is only consulted for ScanRAM.
func Attach(mem Memory, region ScanRegion, ram []Range) (*ControlBlock, error) {
	switch region.Kind {
	case ScanExact:
		return parseAt(mem, region.Address)
	case ScanRAM:
		if len(ram) == 0 {
			return nil, fmt.Errorf("rtt: chip has no RAM to scan")
		}
		return scan(mem, ram)
	case ScanRanges:
		if len(region.Ranges) == 0 {
			return nil, fmt.Errorf("rtt: empty scan range list")
		}
		return scan(mem, region.Ranges)
	default:
		return nil, fmt.Errorf("rtt: unknown scan region %v", region.Kind)
	}
}

// scan reads the ranges in chunks and tries every occurrence of the ID.
func scan(mem Memory, ranges []Range) (*ControlBlock, error) {
	var found *ControlBlock
	for _, r := range ranges {
		for pos := r.Start; pos < r.End; {
			n := min(uint64(scanChunk), r.End-pos)
			buf := make([]byte, n)
			if err := mem.ReadMemory(pos, buf); err != nil {
				return nil, fmt.Errorf("rtt: scan 0x%08X: %w", pos, err)
			}

			for off := 0; ; {
				i := bytes.Index(buf[off:], ControlBlockID[:])
				if i < 0 {
					break
				}
				addr := pos + uint64(off+i)
				off += i + 1
				cb, err := parseAt(mem, addr)
				if err != nil {
					continue
				}
				if found != nil && found.addr != cb.addr {
					return nil, fmt.Errorf("%w: at 0x%08X and 0x%08X", ErrMultipleControlBlocks, found.addr, cb.addr)
				}
				found = cb
			}

			if pos+n >= r.End {
				break
			}
			// Overlap so an ID split across chunks is still seen
			pos += n - (idSize - 1)
		}
	}
	if found == nil {
		return nil, ErrControlBlockNotFound
	}
	return found, nil
}

func parseAt(mem Memory, addr uint64) (*ControlBlock, error) {
	hdr := make([]byte, headerSize)
	if err := mem.ReadMemory(addr, hdr); err != nil {
		return nil, fmt.Errorf("rtt: read control block at 0x%08X: %w", addr, err)
	}
	if !bytes.Equal(hdr[:idSize], ControlBlockID[:]) {
		return nil, fmt.Errorf("%w at 0x%08X", ErrControlBlockNotFound, addr)
	}

	numUp := int32(binary.LittleEndian.Uint32(hdr[idSize:]))
	numDown := int32(binary.LittleEndian.Uint32(hdr[idSize+4:]))
	if numUp < 0 || numUp > maxChannels || numDown < 0 || numDown > maxChannels {
		return nil, fmt.Errorf("rtt: control block at 0x%08X has implausible channel counts %d/%d", addr, numUp, numDown)
	}

	descs := make([]byte, int(numUp+numDown)*descSize)
	if err := mem.ReadMemory(addr+headerSize, descs); err != nil {
		return nil, fmt.Errorf("rtt: read channel descriptors: %w", err)
	}

	cb := &ControlBlock{addr: addr}
	for i := 0; i < int(numUp+numDown); i++ {
		d := descs[i*descSize:]
		buf := binary.LittleEndian.Uint32(d[descBuf:])
		if buf == 0 {
			continue
		}
		up := i < int(numUp)
		number := i
		if !up {
			number = i - int(numUp)
		}
		ch := channel{
			number:   number,
			name:     readName(mem, binary.LittleEndian.Uint32(d[descName:])),
			descAddr: addr + headerSize + uint64(i*descSize),
			bufAddr:  uint64(buf),
			size:     binary.LittleEndian.Uint32(d[descBufSize:]),
			flags:    binary.LittleEndian.Uint32(d[descFlags:]),
		}
		if up {
			cb.up = append(cb.up, &UpChannel{ch})
		} else {
			cb.down = append(cb.down, &DownChannel{ch})
		}
	}
	return cb, nil
}

func readName(mem Memory, addr uint32) string {
	if addr == 0 {
		return ""
	}
	buf := make([]byte, maxNameLen)
	if err := mem.ReadMemory(uint64(addr), buf); err != nil {
		return ""
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// Read copies pending bytes from the ring into buf and advances the read
// offset past them. It never blocks waiting for data; 0 means the ring is
// empty.
func (c *UpChannel) Read(mem Memory, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	offs := make([]byte, 8)
	if err := mem.ReadMemory(c.descAddr+descWrOff, offs); err != nil {
		return 0, fmt.Errorf("rtt: read offsets of channel %d: %w", c.number, err)
	}
	wr := binary.LittleEndian.Uint32(offs)
	rd := binary.LittleEndian.Uint32(offs[4:])
	if c.size == 0 || wr >= c.size || rd >= c.size {
		return 0, fmt.Errorf("%w: channel %d wr=%d rd=%d size=%d", ErrCorrupt, c.number, wr, rd, c.size)
	}
	if wr == rd {
		return 0, nil
	}

	var avail uint32
	if wr > rd {
		avail = wr - rd
	} else {
		avail = c.size - rd + wr
	}
	n := min(avail, uint32(len(buf)))

	first := min(n, c.size-rd)
	if err := mem.ReadMemory(c.bufAddr+uint64(rd), buf[:first]); err != nil {
		return 0, fmt.Errorf("rtt: read channel %d: %w", c.number, err)
	}
	if first < n {
		if err := mem.ReadMemory(c.bufAddr, buf[first:n]); err != nil {
			return 0, fmt.Errorf("rtt: read channel %d: %w", c.number, err)
		}
	}

	next := make([]byte, 4)
	binary.LittleEndian.PutUint32(next, (rd+n)%c.size)
	if err := mem.WriteMemory(c.descAddr+descRdOff, next); err != nil {
		return 0, fmt.Errorf("rtt: update read offset of channel %d: %w", c.number, err)
	}
	return int(n), nil
}
