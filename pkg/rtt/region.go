// Package rtt locates SEGGER Real-Time Transfer control blocks in target
// memory and reads their up-channels.
package rtt

import (
	"fmt"
	"strings"
)

// Range is a half-open address range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("0x%08X..0x%08X", r.Start, r.End)
}

// ScanKind selects how a control block is searched for.
type ScanKind int

const (
	// ScanRAM sweeps every RAM region of the chip.
	ScanRAM ScanKind = iota
	// ScanExact expects the control block at one address.
	ScanExact
	// ScanRanges sweeps the listed ranges.
	ScanRanges
)

func (k ScanKind) String() string {
	switch k {
	case ScanRAM:
		return "ram"
	case ScanExact:
		return "exact"
	case ScanRanges:
		return "ranges"
	default:
		return fmt.Sprintf("ScanKind(%d)", int(k))
	}
}

// ScanRegion says where to look for the control block. Address is only
// meaningful for ScanExact and Ranges only for ScanRanges.
type ScanRegion struct {
	Kind    ScanKind
	Address uint64
	Ranges  []Range
}

// RAM returns the default region: all RAM known for the chip.
func RAM() ScanRegion {
	return ScanRegion{Kind: ScanRAM}
}

// Exact returns a region naming the control block address.
func Exact(addr uint64) ScanRegion {
	return ScanRegion{Kind: ScanExact, Address: addr}
}

// Ranges returns a region sweeping the given ranges.
func Ranges(ranges ...Range) ScanRegion {
	return ScanRegion{Kind: ScanRanges, Ranges: append([]Range(nil), ranges...)}
}

// Equal reports whether two regions describe the same search.
func (s ScanRegion) Equal(o ScanRegion) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case ScanExact:
		return s.Address == o.Address
	case ScanRanges:
		if len(s.Ranges) != len(o.Ranges) {
			return false
		}
		for i := range s.Ranges {
			if s.Ranges[i] != o.Ranges[i] {
				return false
			}
		}
	}
	return true
}

func (s ScanRegion) String() string {
	switch s.Kind {
	case ScanExact:
		return fmt.Sprintf("exact(0x%08X)", s.Address)
	case ScanRanges:
		parts := make([]string, len(s.Ranges))
		for i, r := range s.Ranges {
			parts[i] = r.String()
		}
		return "ranges(" + strings.Join(parts, ", ") + ")"
	default:
		return "ram"
	}
}
