package flashing

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Segment is a contiguous piece of image data placed at Address.
type Segment struct {
	Address uint64
	Data    []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return s.Address + uint64(len(s.Data))
}

// Image is a loaded firmware image.
type Image struct {
	Segments []Segment
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// add appends data, extending the last segment when contiguous.
func (img *Image) add(addr uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	if n := len(img.Segments); n > 0 && img.Segments[n-1].End() == addr {
		img.Segments[n-1].Data = append(img.Segments[n-1].Data, data...)
		return
	}
	img.Segments = append(img.Segments, Segment{Address: addr, Data: append([]byte(nil), data...)})
}

// LoadFile reads an image file.
func LoadFile(path string, format Format) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return LoadImage(f, format)
}

// LoadImage parses an image in the given format.
func LoadImage(r io.Reader, format Format) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch format {
	case FormatElf:
		img, err = loadElf(r)
	case FormatHex:
		img, err = loadHex(r)
	case FormatUf2:
		img, err = loadUf2(r)
	default:
		return nil, fmt.Errorf("unsupported image format %v", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s image: %w", format, err)
	}
	if img.Size() == 0 {
		return nil, fmt.Errorf("%s image contains no loadable data", format)
	}
	return img, nil
}

// loadElf places every PT_LOAD segment with file contents at its physical
// address.
func loadElf(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &Image{}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err := p.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("read segment at 0x%X: %w", p.Paddr, err)
		}
		img.add(p.Paddr, buf)
	}
	return img, nil
}

// Intel HEX record types
const (
	ihexData           = 0x00
	ihexEOF            = 0x01
	ihexExtSegment     = 0x02
	ihexStartSegment   = 0x03
	ihexExtLinear      = 0x04
	ihexStartLinearAdr = 0x05
)

func loadHex(r io.Reader) (*Image, error) {
	img := &Image{}
	var base uint64
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text[0] != ':' {
			return nil, fmt.Errorf("line %d: record does not start with ':'", line)
		}
		rec, err := hex.DecodeString(text[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 5 || len(rec) != 5+int(rec[0]) {
			return nil, fmt.Errorf("line %d: bad record length", line)
		}
		var sum byte
		for _, b := range rec {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("line %d: checksum mismatch", line)
		}

		addr := uint64(rec[1])<<8 | uint64(rec[2])
		data := rec[4 : 4+int(rec[0])]
		switch rec[3] {
		case ihexData:
			img.add(base+addr, data)
		case ihexEOF:
			return img, nil
		case ihexExtSegment:
			if len(data) != 2 {
				return nil, fmt.Errorf("line %d: bad extended segment address", line)
			}
			base = uint64(binary.BigEndian.Uint16(data)) << 4
		case ihexExtLinear:
			if len(data) != 2 {
				return nil, fmt.Errorf("line %d: bad extended linear address", line)
			}
			base = uint64(binary.BigEndian.Uint16(data)) << 16
		case ihexStartSegment, ihexStartLinearAdr:
		default:
			return nil, fmt.Errorf("line %d: unknown record type 0x%02X", line, rec[3])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("missing end-of-file record")
}

// UF2 block layout
const (
	uf2BlockSize   = 512
	uf2Magic0      = 0x0A324655
	uf2Magic1      = 0x9E5D5157
	uf2MagicEnd    = 0x0AB16F30
	uf2NotMainFlsh = 0x00000001
	uf2MaxPayload  = 476
)

func loadUf2(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of %d", len(data), uf2BlockSize)
	}

	img := &Image{}
	for i := 0; i < len(data); i += uf2BlockSize {
		b := data[i : i+uf2BlockSize]
		le := binary.LittleEndian
		if le.Uint32(b[0:]) != uf2Magic0 || le.Uint32(b[4:]) != uf2Magic1 || le.Uint32(b[508:]) != uf2MagicEnd {
			return nil, fmt.Errorf("block %d: bad magic", i/uf2BlockSize)
		}
		if le.Uint32(b[8:])&uf2NotMainFlsh != 0 {
			continue
		}
		addr := le.Uint32(b[12:])
		size := le.Uint32(b[16:])
		if size > uf2MaxPayload {
			return nil, fmt.Errorf("block %d: payload size %d too large", i/uf2BlockSize, size)
		}
		img.add(uint64(addr), b[32:32+size])
	}
	return img, nil
}
