// Package periph holds the built-in memory-mapped peripherals. Each is an
// cpu.MMIO hook: a pure function of the live engine counters and the access,
// so the memory map itself stays free of engine knowledge.
package periph

import (
	"github.com/vireoemu/vireo/cpu"
)

// CycleCounter register map, all 32-bit little-endian:
//
//	0x0  CYC_LO   r/w  low word of the cycle counter; writing reloads it
//	0x4  CYC_HI   r    high word of the cycle counter
//	0x8  INST_LO  r    low word of the instruction counter
//	0xc  INST_HI  r    high word of the instruction counter
//
// Reads always reflect the engine's counters at the moment of access. The
// write path to CYC_LO is the one sanctioned way a peripheral mutates
// engine-internal state.
const CycleCounterSize = 0x10

type CycleCounter struct{}

func (c *CycleCounter) regs(ctr cpu.Counters) [CycleCounterSize]byte {
	var buf [CycleCounterSize]byte
	cycles := ctr.Cycles()
	inst := ctr.Instructions()
	cpu.ByteOrder.PutUint32(buf[0x0:], uint32(cycles))
	cpu.ByteOrder.PutUint32(buf[0x4:], uint32(cycles>>32))
	cpu.ByteOrder.PutUint32(buf[0x8:], uint32(inst))
	cpu.ByteOrder.PutUint32(buf[0xc:], uint32(inst>>32))
	return buf
}

func (c *CycleCounter) Read(ctr cpu.Counters, off uint64, p []byte) error {
	buf := c.regs(ctr)
	copy(p, buf[off:])
	return nil
}

func (c *CycleCounter) Write(ctr cpu.Counters, off uint64, p []byte) error {
	buf := c.regs(ctr)
	copy(buf[off:], p)
	lo := cpu.ByteOrder.Uint32(buf[0x0:])
	ctr.SetCycles(ctr.Cycles()&^uint64(0xffffffff) | uint64(lo))
	return nil
}
