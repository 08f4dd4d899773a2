package cpu

import (
	"bytes"
	"testing"
)

func testMap(t *testing.T) *MemMap {
	t.Helper()
	m := NewMemMap()
	if _, err := m.Map(0x1000, 0x1000, PROT_READ|PROT_EXEC, "flash"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x2000, 0x1000, PROT_READ|PROT_WRITE, "ram"); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMemRoundTrip(t *testing.T) {
	m := testMap(t)
	data := []byte{1, 2, 3, 4}
	if err := m.Write(0x2004, data, PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 4)
	if err := m.Read(0x2004, out, PROT_READ); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, out) {
		t.Fatalf("%v != %v", out, data)
	}
}

func TestMemSpansAdjacentRegions(t *testing.T) {
	// flash ends at 0x2000 where ram starts; a read may cross the seam
	m := testMap(t)
	if err := m.Load(0x1ffe, []byte{0xaa, 0xbb, 0xcc, 0xdd}); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 4)
	if err := m.Read(0x1ffe, out, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Fatalf("got %x", out)
	}
}

func TestMemUnmapped(t *testing.T) {
	m := testMap(t)
	err := m.Read(0x8000, make([]byte, 4), PROT_READ)
	e, ok := err.(*MemError)
	if !ok || e.Enum != MEM_READ_UNMAPPED {
		t.Fatalf("expected unmapped read, got %v", err)
	}
	err = m.Write(0x8000, make([]byte, 4), PROT_WRITE)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_WRITE_UNMAPPED {
		t.Fatalf("expected unmapped write, got %v", err)
	}
	// a range that starts mapped but runs off the end is unmapped too
	err = m.Read(0x2ffe, make([]byte, 4), PROT_READ)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_READ_UNMAPPED {
		t.Fatalf("expected unmapped read, got %v", err)
	}
}

func TestMemProt(t *testing.T) {
	m := testMap(t)
	err := m.Write(0x1000, []byte{1}, PROT_WRITE)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_WRITE_PROT {
		t.Fatalf("expected read-only write fault, got %v", err)
	}
	if err := m.Read(0x2000, make([]byte, 4), PROT_EXEC); err == nil {
		t.Fatal("fetch from non-exec region should fault")
	}
	// prot 0 is the transparent debug path
	if err := m.Write(0x1000, []byte{1}, 0); err != nil {
		t.Fatal(err)
	}
}

func TestMemOverlapRejected(t *testing.T) {
	m := testMap(t)
	if _, err := m.Map(0x1800, 0x1000, PROT_READ, "clash"); err == nil {
		t.Fatal("overlapping map should fail")
	}
	if _, err := m.Map(0x5000, 0, PROT_READ, "empty"); err == nil {
		t.Fatal("zero-size map should fail")
	}
}

func TestMemUintAlignment(t *testing.T) {
	m := testMap(t)
	if err := m.WriteUint(0x2000, 4, PROT_WRITE, 0xddccbbaa); err != nil {
		t.Fatal(err)
	}
	v, err := m.ReadUint(0x2000, 4, PROT_READ)
	if err != nil || v != 0xddccbbaa {
		t.Fatalf("got %#x, %v", v, err)
	}
	// little-endian storage
	if b, _ := m.ReadUint(0x2000, 1, PROT_READ); b != 0xaa {
		t.Fatalf("got %#x", b)
	}
	_, err = m.ReadUint(0x2002, 4, PROT_READ)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_READ_UNALIGNED {
		t.Fatalf("expected unaligned read, got %v", err)
	}
	err = m.WriteUint(0x2001, 2, PROT_WRITE, 1)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_WRITE_UNALIGNED {
		t.Fatalf("expected unaligned write, got %v", err)
	}
}

type testCtr struct {
	cycles, inst uint64
}

func (c *testCtr) Cycles() uint64       { return c.cycles }
func (c *testCtr) Instructions() uint64 { return c.inst }
func (c *testCtr) SetCycles(n uint64)   { c.cycles = n }

// echoIO stores written bytes and reads them back, recording offsets.
type echoIO struct {
	buf  [16]byte
	offs []uint64
}

func (e *echoIO) Read(ctr Counters, off uint64, p []byte) error {
	e.offs = append(e.offs, off)
	copy(p, e.buf[off:])
	return nil
}

func (e *echoIO) Write(ctr Counters, off uint64, p []byte) error {
	e.offs = append(e.offs, off)
	copy(e.buf[off:], p)
	return nil
}

func TestMemIODispatch(t *testing.T) {
	m := testMap(t)
	io := &echoIO{}
	if _, err := m.MapIO(0x4000, 16, "echo", io); err != nil {
		t.Fatal(err)
	}
	m.SetCounters(&testCtr{})
	if err := m.Write(0x4008, []byte{0x11, 0x22}, PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 2)
	if err := m.Read(0x4008, out, PROT_READ); err != nil {
		t.Fatal(err)
	}
	if out[0] != 0x11 || out[1] != 0x22 {
		t.Fatalf("got %x", out)
	}
	if len(io.offs) != 2 || io.offs[0] != 8 || io.offs[1] != 8 {
		t.Fatalf("hook saw offsets %v", io.offs)
	}
}

func TestMemIOSplit(t *testing.T) {
	m := NewMemMap()
	m.SetCounters(&testCtr{})
	if _, err := m.MapIO(0x4000, 16, "echo", &echoIO{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x4010, 0x10, PROT_READ|PROT_WRITE, "ram"); err != nil {
		t.Fatal(err)
	}
	err := m.Read(0x400e, make([]byte, 4), PROT_READ)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_IO_SPLIT {
		t.Fatalf("expected io split fault, got %v", err)
	}

	// an access wider than the whole peripheral straddles the edge too
	err = m.Read(0x4008, make([]byte, 24), PROT_READ)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_IO_SPLIT {
		t.Fatalf("expected io split fault for wide access, got %v", err)
	}
	err = m.Write(0x4008, make([]byte, 24), PROT_WRITE)
	if e, ok := err.(*MemError); !ok || e.Enum != MEM_IO_SPLIT {
		t.Fatalf("expected io split fault for wide write, got %v", err)
	}

	// debug dumps chunk across the edge instead of faulting
	if err := m.Read(0x4008, make([]byte, 24), 0); err != nil {
		t.Fatalf("debug read across edge: %v", err)
	}
	if err := m.Write(0x4008, make([]byte, 24), 0); err != nil {
		t.Fatalf("debug write across edge: %v", err)
	}
}

func TestMemLoadIntoIO(t *testing.T) {
	m := NewMemMap()
	if _, err := m.MapIO(0x4000, 16, "echo", &echoIO{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(0x4000, []byte{1}); err == nil {
		t.Fatal("loading into a peripheral should fail")
	}
}
