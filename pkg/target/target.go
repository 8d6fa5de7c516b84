// Package target holds the built-in chip database: families of chip
// variants with their cores and memory maps.
package target

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed chips.yaml
var chipsYAML []byte

// RegionKind distinguishes RAM from flash memory.
type RegionKind string

const (
	RegionRAM   RegionKind = "ram"
	RegionFlash RegionKind = "flash"
)

// Core describes one processor of a chip and the access port it sits behind.
type Core struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	AP   uint8  `yaml:"ap"`
}

// Region is one entry of a memory map. End is exclusive.
type Region struct {
	Kind     RegionKind `yaml:"kind"`
	Name     string     `yaml:"name"`
	Start    uint64     `yaml:"start"`
	Size     uint64     `yaml:"size"`
	PageSize uint64     `yaml:"page_size,omitempty"`

	// Driver names the flash algorithm; empty for RAM and for flash that
	// cannot be programmed.
	Driver string `yaml:"driver,omitempty"`
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Variant is a concrete chip model.
type Variant struct {
	Name      string   `yaml:"name"`
	Family    string   `yaml:"-"`
	Cores     []Core   `yaml:"cores,omitempty"`
	MemoryMap []Region `yaml:"memory_map"`
}

// RAM returns the RAM regions in memory map order.
func (v Variant) RAM() []Region {
	return v.regions(RegionRAM)
}

// Flash returns the flash regions in memory map order.
func (v Variant) Flash() []Region {
	return v.regions(RegionFlash)
}

func (v Variant) regions(kind RegionKind) []Region {
	var out []Region
	for _, r := range v.MemoryMap {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// RegionFor returns the memory region containing addr.
func (v Variant) RegionFor(addr uint64) (Region, bool) {
	for _, r := range v.MemoryMap {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Family groups variants sharing a core configuration.
type Family struct {
	Name     string    `yaml:"name"`
	Cores    []Core    `yaml:"cores"`
	Variants []Variant `yaml:"variants"`
}

type database struct {
	Families []Family `yaml:"families"`
}

var (
	families    []Family
	familiesErr error
	loadOnce    sync.Once
)

func load() ([]Family, error) {
	loadOnce.Do(func() {
		families, familiesErr = parse(chipsYAML)
	})
	return families, familiesErr
}

func parse(data []byte) ([]Family, error) {
	var db database
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("failed to parse chip database: %w", err)
	}

	seen := make(map[string]bool)
	for fi := range db.Families {
		fam := &db.Families[fi]
		for vi := range fam.Variants {
			v := &fam.Variants[vi]
			key := strings.ToLower(v.Name)
			if seen[key] {
				return nil, fmt.Errorf("duplicate chip variant %q", v.Name)
			}
			seen[key] = true

			v.Family = fam.Name
			if len(v.Cores) == 0 {
				v.Cores = fam.Cores
			}
			if len(v.Cores) == 0 {
				return nil, fmt.Errorf("chip variant %q has no cores", v.Name)
			}
			for _, r := range v.MemoryMap {
				if r.Kind == RegionFlash && r.Driver != "" && r.PageSize == 0 {
					return nil, fmt.Errorf("chip variant %q: flash region %q has no page size", v.Name, r.Name)
				}
			}
		}
	}
	return db.Families, nil
}

// Families returns the chip families in database order. The returned slice
// is shared and must not be modified.
func Families() ([]Family, error) {
	return load()
}

// Names returns every variant name, family by family, in database order.
func Names() ([]string, error) {
	fams, err := load()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range fams {
		for _, v := range f.Variants {
			names = append(names, v.Name)
		}
	}
	return names, nil
}

// Lookup finds a variant by name, ignoring case.
func Lookup(name string) (Variant, error) {
	fams, err := load()
	if err != nil {
		return Variant{}, err
	}
	for _, f := range fams {
		for _, v := range f.Variants {
			if strings.EqualFold(v.Name, name) {
				return v, nil
			}
		}
	}
	return Variant{}, fmt.Errorf("unknown chip %q", name)
}
