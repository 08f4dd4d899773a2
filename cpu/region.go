package cpu

import (
	"fmt"
	"strings"
)

// Counters exposes live engine counters to MMIO hooks. Reads through an MMIO
// region must observe the counter values at the moment of access, and a write
// hook may reload the cycle counter. This is the only mutation path into the
// engine outside plain register/memory writes.
type Counters interface {
	Cycles() uint64
	Instructions() uint64
	SetCycles(uint64)
}

// MMIO is the side-effect hook carried by peripheral regions. Offsets are
// relative to the region base. Hooks are called with the access fully
// contained in the region.
type MMIO interface {
	Read(ctr Counters, off uint64, p []byte) error
	Write(ctr Counters, off uint64, p []byte) error
}

type Region struct {
	Base uint64
	Size uint64
	Prot int
	Data []byte
	Desc string

	// IO is non-nil for peripheral regions; Data is nil for those.
	IO MMIO
}

func (r *Region) String() string {
	prots := []int{PROT_READ, PROT_WRITE, PROT_EXEC}
	chars := []string{"r", "w", "x"}
	prot := ""
	for i := range prots {
		if r.Prot&prots[i] != 0 {
			prot += chars[i]
		} else {
			prot += "-"
		}
	}
	desc := fmt.Sprintf("0x%x-0x%x %s", r.Base, r.Base+r.Size, prot)
	if r.IO != nil {
		desc += " io"
	}
	if r.Desc != "" {
		desc += fmt.Sprintf(" [%s]", r.Desc)
	}
	return desc
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

func (r *Region) Overlaps(addr, size uint64) bool {
	return addr < r.Base+r.Size && r.Base < addr+size
}

type Regions []*Region

func (r Regions) Len() int           { return len(r) }
func (r Regions) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r Regions) Less(i, j int) bool { return r[i].Base < r[j].Base }

func (r Regions) String() string {
	s := make([]string, len(r))
	for i, v := range r {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of first region containing addr, if any, else -1
func (r Regions) bsearch(addr uint64) int {
	l := 0
	h := len(r) - 1
	for l <= h {
		mid := (l + h) / 2
		e := r[mid]
		if addr >= e.Base {
			if addr < e.Base+e.Size {
				return mid
			}
			l = mid + 1
		} else {
			h = mid - 1
		}
	}
	return -1
}

func (r Regions) Find(addr uint64) *Region {
	i := r.bsearch(addr)
	if i >= 0 {
		return r[i]
	}
	return nil
}
