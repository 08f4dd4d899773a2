package periph

import (
	"testing"

	"github.com/vireoemu/vireo/cpu"
)

type fakeCtr struct {
	cycles, inst uint64
}

func (c *fakeCtr) Cycles() uint64       { return c.cycles }
func (c *fakeCtr) Instructions() uint64 { return c.inst }
func (c *fakeCtr) SetCycles(n uint64)   { c.cycles = n }

func TestCycleCounterRead(t *testing.T) {
	ctr := &fakeCtr{cycles: 0x1_0000_0002, inst: 7}
	cc := &CycleCounter{}

	var buf [4]byte
	if err := cc.Read(ctr, 0, buf[:]); err != nil {
		t.Fatal(err)
	}
	if v := cpu.ByteOrder.Uint32(buf[:]); v != 2 {
		t.Fatalf("cyc_lo = %#x", v)
	}
	if err := cc.Read(ctr, 4, buf[:]); err != nil {
		t.Fatal(err)
	}
	if v := cpu.ByteOrder.Uint32(buf[:]); v != 1 {
		t.Fatalf("cyc_hi = %#x", v)
	}
	if err := cc.Read(ctr, 8, buf[:]); err != nil {
		t.Fatal(err)
	}
	if v := cpu.ByteOrder.Uint32(buf[:]); v != 7 {
		t.Fatalf("inst_lo = %#x", v)
	}

	// sub-word access inside a register
	var one [1]byte
	if err := cc.Read(ctr, 9, one[:]); err != nil {
		t.Fatal(err)
	}
	if one[0] != 0 {
		t.Fatalf("inst_lo byte 1 = %#x", one[0])
	}
}

func TestCycleCounterReload(t *testing.T) {
	ctr := &fakeCtr{cycles: 0x1_0000_0002}
	cc := &CycleCounter{}

	var buf [4]byte
	cpu.ByteOrder.PutUint32(buf[:], 100)
	if err := cc.Write(ctr, 0, buf[:]); err != nil {
		t.Fatal(err)
	}
	// low word reloads, high word is preserved
	if ctr.cycles != 0x1_0000_0064 {
		t.Fatalf("cycles = %#x", ctr.cycles)
	}
}
