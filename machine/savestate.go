package machine

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/cpu"
)

// snapshot format:
//
// file header, big-endian
//   uint32(magic "VSNP")
//   uint32(format version)
//   uint32(crc32 of compressed body)
//   uint32(length of compressed body)
// remainder is snappy-compressed
//
// -- uncompressed body start --
// topology table
//   uint32(number of regions)
//   1..num: uint64(base), uint64(size), uint32(prot), uint8(1 if peripheral)
// raw contents of each writable storage region, in table order
// registers: 16 x uint32, uint32(flags)
// counters: uint64(instructions), uint64(cycles)
// int64(last reported breakpoint, -1 none)
// breakpoints: uint32(count), 1..count: uint32(addr), uint8(kind)
//
// Fields added by later versions append to the body; readers stop at the
// fields they know, so newer snapshots load on older code.

const (
	snapMagic       = 0x56534e50 // "VSNP"
	SnapshotVersion = 1
)

var ErrIncompatibleSnapshot = errors.New("snapshot does not match machine topology")

func snapOrder() binary.ByteOrder { return binary.BigEndian }

type regionDesc struct {
	Base uint64
	Size uint64
	Prot uint32
	IO   uint8
}

func describe(r *cpu.Region) regionDesc {
	d := regionDesc{Base: r.Base, Size: r.Size, Prot: uint32(r.Prot)}
	if r.IO != nil {
		d.IO = 1
	}
	return d
}

// serialized reports whether a region's contents belong in a snapshot.
// Read-only storage is reproducible from the firmware image and peripherals
// hold no bytes, so only writable storage is carried.
func serialized(r *cpu.Region) bool {
	return r.IO == nil && r.Prot&cpu.PROT_WRITE != 0
}

// Capture serializes the complete restorable state of the machine.
func Capture(m *Machine) ([]byte, error) {
	var body bytes.Buffer
	s := &StrucStream{Stream: &body, Order: snapOrder()}

	regions := m.Mem.Regions()
	s.Pack(uint32(len(regions)))
	for _, r := range regions {
		d := describe(r)
		s.Pack(d.Base, d.Size, d.Prot, d.IO)
	}
	for _, r := range regions {
		if serialized(r) {
			body.Write(r.Data)
		}
	}

	vals, flags := m.Regs.Save()
	for _, v := range vals {
		s.Pack(v)
	}
	s.Pack(flags)
	s.Pack(m.instructions, m.cycles, m.lastBreak)

	addrs := m.Breakpoints()
	s.Pack(uint32(len(addrs)))
	for _, addr := range addrs {
		s.Pack(addr, uint8(m.breakpoints[addr]))
	}
	if s.Error != nil {
		return nil, errors.Wrap(s.Error, "snapshot pack failed")
	}

	data := snappy.Encode(nil, body.Bytes())
	var out bytes.Buffer
	hdr := &StrucStream{Stream: &out, Order: snapOrder()}
	hdr.Pack(uint32(snapMagic), uint32(SnapshotVersion),
		crc32.ChecksumIEEE(data), uint32(len(data)))
	if hdr.Error != nil {
		return nil, errors.Wrap(hdr.Error, "snapshot pack failed")
	}
	out.Write(data)
	return out.Bytes(), nil
}

// Restore loads a snapshot captured from a machine with identical topology.
// The machine is untouched unless the whole snapshot parses, so a truncated
// or corrupt blob cannot leave it half restored.
func Restore(m *Machine, data []byte) error {
	in := bytes.NewBuffer(data)
	s := &StrucStream{Stream: in, Order: snapOrder()}

	var magic, version, sum, length uint32
	if err := s.Unpack(&magic, &version, &sum, &length); err != nil {
		return errors.Wrap(err, "snapshot header truncated")
	}
	if magic != snapMagic {
		return errors.Errorf("bad snapshot magic %#x", magic)
	}
	if version < 1 {
		return errors.Errorf("bad snapshot version %d", version)
	}
	comp := in.Bytes()
	if uint32(len(comp)) < length {
		return errors.Errorf("snapshot truncated: have %d of %d bytes", len(comp), length)
	}
	comp = comp[:length]
	if crc := crc32.ChecksumIEEE(comp); crc != sum {
		return errors.Errorf("snapshot checksum mismatch: %#x != %#x", crc, sum)
	}
	raw, err := snappy.Decode(nil, comp)
	if err != nil {
		return errors.Wrap(err, "snapshot decompression failed")
	}

	body := bytes.NewBuffer(raw)
	s = &StrucStream{Stream: body, Order: snapOrder()}

	regions := m.Mem.Regions()
	var count uint32
	if err := s.Unpack(&count); err != nil {
		return errors.Wrap(err, "snapshot body truncated")
	}
	if int(count) != len(regions) {
		return errors.Wrapf(ErrIncompatibleSnapshot,
			"snapshot has %d regions, machine has %d", count, len(regions))
	}
	for _, r := range regions {
		var d regionDesc
		if err := s.Unpack(&d.Base, &d.Size, &d.Prot, &d.IO); err != nil {
			return errors.Wrap(err, "snapshot body truncated")
		}
		if d != describe(r) {
			return errors.Wrapf(ErrIncompatibleSnapshot, "region mismatch at %s", r)
		}
	}

	contents := make(map[*cpu.Region][]byte)
	for _, r := range regions {
		if !serialized(r) {
			continue
		}
		buf := make([]byte, r.Size)
		if _, err := io.ReadFull(body, buf); err != nil {
			return errors.Wrap(err, "snapshot body truncated")
		}
		contents[r] = buf
	}

	var vals [cpu.NumRegs]uint32
	var flags uint32
	for i := range vals {
		s.Unpack(&vals[i])
	}
	var instructions, cycles uint64
	var lastBreak int64
	s.Unpack(&flags, &instructions, &cycles, &lastBreak)

	var nbreak uint32
	if err := s.Unpack(&nbreak); err != nil {
		return errors.Wrap(err, "snapshot body truncated")
	}
	breaks := make(map[uint32]BreakKind, nbreak)
	for i := uint32(0); i < nbreak; i++ {
		var addr uint32
		var kind uint8
		if err := s.Unpack(&addr, &kind); err != nil {
			return errors.Wrap(err, "snapshot body truncated")
		}
		breaks[addr] = BreakKind(kind)
	}

	// everything parsed; commit
	for r, buf := range contents {
		copy(r.Data, buf)
	}
	m.Regs.Load(vals, flags)
	m.instructions = instructions
	m.cycles = cycles
	m.lastBreak = lastBreak
	m.breakpoints = breaks
	return nil
}
