package cpu

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "read-only write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	case MEM_READ_UNALIGNED:
		reason = "unaligned read"
	case MEM_WRITE_UNALIGNED:
		reason = "unaligned write"
	case MEM_FETCH_UNALIGNED:
		reason = "unaligned fetch"
	case MEM_IO_SPLIT:
		reason = "access straddles peripheral boundary"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// MemMap is the flat address space of one machine: a sorted set of
// non-overlapping regions. The topology is fixed after construction; there is
// no unmap or reprotect, a debug target's memory layout does not change under
// it.
type MemMap struct {
	regions Regions

	// live counter view for MMIO hooks, owned by the machine
	ctr Counters
}

func NewMemMap() *MemMap {
	return &MemMap{}
}

// SetCounters attaches the engine counter view dispatched to MMIO hooks.
func (m *MemMap) SetCounters(ctr Counters) {
	m.ctr = ctr
}

func (m *MemMap) Regions() Regions {
	return m.regions
}

func (m *MemMap) mapRegion(r *Region) (*Region, error) {
	if r.Size == 0 {
		return nil, errors.Errorf("region %q has zero size", r.Desc)
	}
	if r.Base+r.Size < r.Base {
		return nil, errors.Errorf("region %q wraps the address space", r.Desc)
	}
	for _, old := range m.regions {
		if old.Overlaps(r.Base, r.Size) {
			return nil, errors.Errorf("region %q overlaps %s", r.Desc, old)
		}
	}
	m.regions = append(m.regions, r)
	sort.Sort(m.regions)
	return r, nil
}

// Map adds a plain storage region. Overlapping an existing region is an error.
func (m *MemMap) Map(base, size uint64, prot int, desc string) (*Region, error) {
	return m.mapRegion(&Region{
		Base: base,
		Size: size,
		Prot: prot,
		Data: make([]byte, size),
		Desc: desc,
	})
}

// MapIO adds a peripheral region whose accesses dispatch to io.
func (m *MemMap) MapIO(base, size uint64, desc string, io MMIO) (*Region, error) {
	return m.mapRegion(&Region{
		Base: base,
		Size: size,
		Prot: PROT_READ | PROT_WRITE,
		Desc: desc,
		IO:   io,
	})
}

// rangeValid checks whether addr..addr+size is fully mapped, and if prot > 0,
// whether every covered region carries the entire protection mask.
func (m *MemMap) rangeValid(addr, size uint64, prot int) (mapGood bool, protGood bool) {
	first := m.regions.bsearch(addr)
	if first == -1 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, r := range m.regions[first:] {
		if !r.Contains(addr) {
			break
		}
		if prot > 0 && r.Prot&prot != prot {
			protGood = false
		}
		addr = r.Base + r.Size
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

func (m *MemMap) fault(access int, addr uint64, size int, unmapped bool) *MemError {
	enum := 0
	switch {
	case access == MEM_FETCH && unmapped:
		enum = MEM_FETCH_UNMAPPED
	case access == MEM_FETCH:
		enum = MEM_FETCH_PROT
	case access == MEM_WRITE && unmapped:
		enum = MEM_WRITE_UNMAPPED
	case access == MEM_WRITE:
		enum = MEM_WRITE_PROT
	case unmapped:
		enum = MEM_READ_UNMAPPED
	default:
		enum = MEM_READ_PROT
	}
	return &MemError{Addr: addr, Size: size, Enum: enum}
}

// Read copies len(p) bytes starting at addr. prot carries the access class to
// enforce; prot 0 is a transparent debug access that only requires the range
// to be mapped. Peripheral regions dispatch to their hook and always reflect
// live counters.
func (m *MemMap) Read(addr uint64, p []byte, prot int) error {
	access := MEM_READ
	if prot&PROT_EXEC == PROT_EXEC {
		access = MEM_FETCH
	}
	if gmap, gprot := m.rangeValid(addr, uint64(len(p)), prot); !gmap {
		return m.fault(access, addr, len(p), true)
	} else if !gprot {
		return m.fault(access, addr, len(p), false)
	}
	i := m.regions.bsearch(addr)
	for _, r := range m.regions[i:] {
		if !r.Contains(addr) || len(p) == 0 {
			break
		}
		o := addr - r.Base
		if r.IO != nil {
			// a cpu access may not straddle the region edge; debug accesses
			// chunk through it
			if o+uint64(len(p)) > r.Size && prot != 0 {
				return &MemError{Addr: addr, Size: len(p), Enum: MEM_IO_SPLIT}
			}
			n := len(p)
			if uint64(n) > r.Size-o {
				n = int(r.Size - o)
			}
			if err := r.IO.Read(m.ctr, o, p[:n]); err != nil {
				return err
			}
			addr, p = addr+uint64(n), p[n:]
			continue
		}
		n := copy(p, r.Data[o:])
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

// Write stores p starting at addr, with the same prot semantics as Read.
func (m *MemMap) Write(addr uint64, p []byte, prot int) error {
	if gmap, gprot := m.rangeValid(addr, uint64(len(p)), prot); !gmap {
		return m.fault(MEM_WRITE, addr, len(p), true)
	} else if !gprot {
		return m.fault(MEM_WRITE, addr, len(p), false)
	}
	i := m.regions.bsearch(addr)
	for _, r := range m.regions[i:] {
		if !r.Contains(addr) || len(p) == 0 {
			break
		}
		o := addr - r.Base
		if r.IO != nil {
			if o+uint64(len(p)) > r.Size && prot != 0 {
				return &MemError{Addr: addr, Size: len(p), Enum: MEM_IO_SPLIT}
			}
			n := len(p)
			if uint64(n) > r.Size-o {
				n = int(r.Size - o)
			}
			if err := r.IO.Write(m.ctr, o, p[:n]); err != nil {
				return err
			}
			addr, p = addr+uint64(n), p[n:]
			continue
		}
		n := copy(r.Data[o:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

// Load bypasses access classes to populate storage regions, for firmware
// loading and snapshot restore. Loading into a peripheral region is an error.
func (m *MemMap) Load(addr uint64, p []byte) error {
	if gmap, _ := m.rangeValid(addr, uint64(len(p)), 0); !gmap {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_UNMAPPED}
	}
	i := m.regions.bsearch(addr)
	for _, r := range m.regions[i:] {
		if !r.Contains(addr) || len(p) == 0 {
			break
		}
		if r.IO != nil {
			return errors.Errorf("cannot load image data into peripheral region %s", r)
		}
		o := addr - r.Base
		n := copy(r.Data[o:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

// ReadUint reads a naturally-aligned little-endian integer. This exists to
// support the CPU interpreter.
func (m *MemMap) ReadUint(addr uint64, size, prot int) (uint64, error) {
	if addr%uint64(size) != 0 {
		enum := MEM_READ_UNALIGNED
		if prot&PROT_EXEC == PROT_EXEC {
			enum = MEM_FETCH_UNALIGNED
		}
		return 0, &MemError{Addr: addr, Size: size, Enum: enum}
	}
	var buf [8]byte
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	if err := m.Read(addr, buf[:size], prot); err != nil {
		return 0, err
	}
	return UnpackUint(ByteOrder, size, buf[:size])
}

// WriteUint writes a naturally-aligned little-endian integer.
func (m *MemMap) WriteUint(addr uint64, size, prot int, val uint64) error {
	if addr%uint64(size) != 0 {
		return &MemError{Addr: addr, Size: size, Enum: MEM_WRITE_UNALIGNED}
	}
	var buf [8]byte
	if size > 8 {
		return errors.Errorf("WriteUint size too large: %d > 8", size)
	}
	if _, err := PackUint(ByteOrder, size, buf[:], val); err != nil {
		return err
	}
	return m.Write(addr, buf[:size], prot)
}
