// Package elfsym looks up symbol addresses in ELF images.
package elfsym

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// RTTSymbol is the linker symbol naming the RTT control block.
const RTTSymbol = "_SEGGER_RTT"

var (
	// ErrParse reports that the input is not a readable ELF image.
	ErrParse = errors.New("elfsym: not a valid ELF image")
	// ErrNotFound reports that the symbol table has no such symbol.
	ErrNotFound = errors.New("elfsym: symbol not found")
)

// Lookup reads r to the end and returns the value of the first symbol named
// name. Stripped images yield ErrNotFound.
func Lookup(r io.Reader, name string) (uint64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParse, err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for _, s := range syms {
		if s.Name == name {
			return s.Value, nil
		}
	}
	return 0, ErrNotFound
}

// FindSymbol is Lookup with every failure reported as absence.
func FindSymbol(r io.Reader, name string) (uint64, bool) {
	addr, err := Lookup(r, name)
	if err != nil {
		return 0, false
	}
	return addr, true
}

// FindRTT returns the address of the RTT control block symbol.
func FindRTT(r io.Reader) (uint64, bool) {
	return FindSymbol(r, RTTSymbol)
}
