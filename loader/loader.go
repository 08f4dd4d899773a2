// Package loader builds machines from a TOML topology descriptor and loads
// firmware images into them.
package loader

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
	"github.com/vireoemu/vireo/machine"
	"github.com/vireoemu/vireo/periph"
)

// ErrConfig marks a bad topology or firmware configuration. Launch treats it
// as fatal to the session.
var ErrConfig = errors.New("invalid configuration")

type Segment struct {
	Addr uint64
	Data []byte
}

// Image is firmware ready to load: one or more segments plus the entry point.
type Image struct {
	EntryPoint uint32
	Segments   []Segment
}

func (i *Image) Entry() uint32 {
	return i.EntryPoint
}

// Apply copies every segment into machine storage.
func (i *Image) Apply(m *machine.Machine) error {
	for _, seg := range i.Segments {
		if err := m.Mem.Load(seg.Addr, seg.Data); err != nil {
			return errors.Wrapf(ErrConfig, "segment at %#x: %v", seg.Addr, err)
		}
	}
	return nil
}

// LoadRaw reads a flat binary as a single segment at base.
func LoadRaw(path string, base uint64, entry uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "firmware %q: %v", path, err)
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrConfig, "firmware %q is empty", path)
	}
	return &Image{
		EntryPoint: entry,
		Segments:   []Segment{{Addr: base, Data: data}},
	}, nil
}

// RegionDesc is one [[region]] table in the topology file.
type RegionDesc struct {
	Name   string `toml:"name"`
	Base   uint64 `toml:"base"`
	Size   uint64 `toml:"size"`
	Access string `toml:"access"`
	// peripheral model for access = "mmio"
	Kind string `toml:"kind"`
}

// Topology describes a complete machine. Example:
//
//	arch = "vex32"
//	entry = 0x0000_0000
//	firmware = "blink.bin"
//	load_base = 0x0000_0000
//
//	[[region]]
//	name = "flash"
//	base = 0x0000_0000
//	size = 0x1_0000
//	access = "rx"
//
//	[[region]]
//	name = "ram"
//	base = 0x2000_0000
//	size = 0x8000
//	access = "rw"
//
//	[[region]]
//	name = "cycles"
//	base = 0xe000_1000
//	access = "mmio"
//	kind = "cycle-counter"
type Topology struct {
	Arch     string       `toml:"arch"`
	Entry    uint32       `toml:"entry"`
	Firmware string       `toml:"firmware"`
	LoadBase uint64       `toml:"load_base"`
	Regions  []RegionDesc `toml:"region"`
}

func LoadTopology(path string) (*Topology, error) {
	var t Topology
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, errors.Wrapf(ErrConfig, "topology %q: %v", path, err)
	}
	return &t, nil
}

func parseAccess(s string) (int, error) {
	prot := 0
	for _, c := range s {
		switch c {
		case 'r':
			prot |= cpu.PROT_READ
		case 'w':
			prot |= cpu.PROT_WRITE
		case 'x':
			prot |= cpu.PROT_EXEC
		default:
			return 0, errors.Errorf("unknown access flag %q", string(c))
		}
	}
	if prot == 0 {
		return 0, errors.New("empty access string")
	}
	return prot, nil
}

func buildPeripheral(kind string) (cpu.MMIO, uint64, error) {
	switch kind {
	case "cycle-counter":
		return &periph.CycleCounter{}, periph.CycleCounterSize, nil
	}
	return nil, 0, errors.Errorf("unknown peripheral kind %q", kind)
}

// Build constructs a machine matching the topology. The firmware is not
// loaded here; the session loads it on launch so restart can reload it.
func (t *Topology) Build() (*machine.Machine, error) {
	if t.Arch == "" {
		return nil, errors.Wrap(ErrConfig, "topology missing arch")
	}
	a, err := arch.Get(t.Arch)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "%v", err)
	}
	if len(t.Regions) == 0 {
		return nil, errors.Wrap(ErrConfig, "topology has no regions")
	}
	m := machine.New(a)
	for _, rd := range t.Regions {
		if rd.Access == "mmio" {
			io, size, err := buildPeripheral(rd.Kind)
			if err != nil {
				return nil, errors.Wrapf(ErrConfig, "region %q: %v", rd.Name, err)
			}
			if rd.Size != 0 {
				size = rd.Size
			}
			if _, err := m.Mem.MapIO(rd.Base, size, rd.Name, io); err != nil {
				return nil, errors.Wrapf(ErrConfig, "region %q: %v", rd.Name, err)
			}
			continue
		}
		prot, err := parseAccess(rd.Access)
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "region %q: %v", rd.Name, err)
		}
		if _, err := m.Mem.Map(rd.Base, rd.Size, prot, rd.Name); err != nil {
			return nil, errors.Wrapf(ErrConfig, "region %q: %v", rd.Name, err)
		}
	}
	return m, nil
}

// LoadFirmware resolves the topology's firmware reference into an Image.
func (t *Topology) LoadFirmware() (*Image, error) {
	if t.Firmware == "" {
		return nil, errors.Wrap(ErrConfig, "topology missing firmware")
	}
	return LoadRaw(t.Firmware, t.LoadBase, t.Entry)
}
