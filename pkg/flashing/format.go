// Package flashing loads firmware images and writes them to a target's
// flash through chip specific flash drivers.
package flashing

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format is a firmware image file format.
type Format int

const (
	FormatElf Format = iota
	FormatHex
	FormatUf2
)

func (f Format) String() string {
	switch f {
	case FormatElf:
		return "elf"
	case FormatHex:
		return "hex"
	case FormatUf2:
		return "uf2"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Formats lists the supported formats.
var Formats = []Format{FormatElf, FormatHex, FormatUf2}

// ParseFormat parses a format name, ignoring case. "ihex" is accepted for
// Intel HEX.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "elf":
		return FormatElf, nil
	case "hex", "ihex":
		return FormatHex, nil
	case "uf2":
		return FormatUf2, nil
	default:
		return 0, fmt.Errorf("unknown image format %q (want elf, hex or uf2)", s)
	}
}

// FormatFromPath guesses the format from the file extension, defaulting to
// ELF.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return FormatHex
	case ".uf2":
		return FormatUf2
	default:
		return FormatElf
	}
}
