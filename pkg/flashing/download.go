package flashing

import (
	"bytes"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// Download writes img to the chip. RAM data is written directly; flash
// pages touched by the image are erased and programmed with the region's
// driver. Bytes of a touched page not covered by the image read back as
// erased.
func Download(mem Memory, v target.Variant, img *Image, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	var flash []*flashWork
	byRegion := make(map[string]*flashWork)

	for _, seg := range img.Segments {
		addr, data := seg.Address, seg.Data
		for len(data) > 0 {
			r, ok := v.RegionFor(addr)
			if !ok {
				return fmt.Errorf("%w: 0x%08X", ErrNoRegion, addr)
			}
			n := min(uint64(len(data)), r.End()-addr)
			chunk := data[:n]

			if r.Kind == target.RegionRAM {
				log.Debug("writing RAM", zap.Uint64("address", addr), zap.Int("bytes", len(chunk)))
				if err := mem.WriteMemory(addr, chunk); err != nil {
					return fmt.Errorf("write RAM at 0x%08X: %w", addr, err)
				}
			} else {
				if r.Driver == "" {
					return fmt.Errorf("%w %s of %s", ErrNoDriver, r.Name, v.Name)
				}
				w := byRegion[r.Name]
				if w == nil {
					w = &flashWork{region: r, pages: make(map[uint64][]byte)}
					byRegion[r.Name] = w
					flash = append(flash, w)
				}
				w.place(addr, chunk)
			}

			addr += n
			data = data[n:]
		}
	}

	for _, w := range flash {
		if err := programRegion(mem, w.region, w.pages, log); err != nil {
			return err
		}
	}
	return nil
}

// flashWork collects the image data of one flash region page by page.
type flashWork struct {
	region target.Region
	pages  map[uint64][]byte
}

func (w *flashWork) place(addr uint64, data []byte) {
	ps := w.region.PageSize
	for len(data) > 0 {
		base := w.region.Start + (addr-w.region.Start)/ps*ps
		page, ok := w.pages[base]
		if !ok {
			page = erasedPage(ps)
			w.pages[base] = page
		}
		off := addr - base
		n := copy(page[off:], data)
		addr += uint64(n)
		data = data[n:]
	}
}

func programRegion(mem Memory, r target.Region, pages map[uint64][]byte, log *zap.Logger) error {
	drv, err := LookupDriver(r.Driver)
	if err != nil {
		return err
	}
	if err := drv.Begin(mem); err != nil {
		return fmt.Errorf("%s: %w", drv.Name(), err)
	}

	bases := make([]uint64, 0, len(pages))
	for base := range pages {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	align := drv.Align()
	for _, base := range bases {
		page := pages[base]
		log.Debug("erasing page", zap.String("region", r.Name), zap.Uint64("address", base))
		if err := drv.ErasePage(mem, base); err != nil {
			drv.End(mem)
			return fmt.Errorf("%s: %w", drv.Name(), err)
		}

		lo, hi := programmedSpan(page, align)
		if lo == hi {
			continue
		}
		log.Debug("programming", zap.Uint64("address", base+uint64(lo)), zap.Int("bytes", hi-lo))
		if err := drv.Program(mem, base+uint64(lo), page[lo:hi]); err != nil {
			drv.End(mem)
			return fmt.Errorf("%s: %w", drv.Name(), err)
		}
	}
	return drv.End(mem)
}

// programmedSpan trims erased bytes from both ends of a page and widens the
// rest to the programming unit.
func programmedSpan(page []byte, align int) (int, int) {
	lo := 0
	for lo < len(page) && page[lo] == 0xFF {
		lo++
	}
	hi := len(page)
	for hi > lo && page[hi-1] == 0xFF {
		hi--
	}
	if lo == hi {
		return 0, 0
	}
	lo -= lo % align
	if r := hi % align; r != 0 {
		hi += align - r
	}
	return lo, min(hi, len(page))
}

func erasedPage(size uint64) []byte {
	return bytes.Repeat([]byte{0xFF}, int(size))
}
