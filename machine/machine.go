// Package machine binds a register file, a memory map and an ISA executor
// into one debuggable target, and runs it in bounded bursts.
package machine

import (
	"sort"
	"sync/atomic"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
)

// Machine is a single simulated core plus its address space. It is not safe
// for concurrent use; the session layer serializes access and uses
// Interrupt as the one cross-goroutine entry point.
type Machine struct {
	Arch *arch.Arch
	Regs *cpu.RegFile
	Mem  *cpu.MemMap

	exec arch.Executor
	dis  arch.Disassembler

	instructions uint64
	cycles       uint64

	breakpoints map[uint32]BreakKind
	// address of the breakpoint last reported, -1 when clear. Suppresses an
	// immediate re-report at the same address on resume.
	lastBreak int64

	// set by Interrupt, consumed at the next instruction boundary
	interrupt uint32
}

func New(a *arch.Arch) *Machine {
	m := &Machine{
		Arch:        a,
		Regs:        &cpu.RegFile{},
		Mem:         cpu.NewMemMap(),
		exec:        a.NewExecutor(),
		dis:         a.Dis,
		breakpoints: make(map[uint32]BreakKind),
		lastBreak:   -1,
	}
	m.Mem.SetCounters(m)
	return m
}

// Machine implements cpu.Counters so MMIO hooks observe live values.

func (m *Machine) Cycles() uint64       { return m.cycles }
func (m *Machine) Instructions() uint64 { return m.instructions }

// SetCycles reloads the cycle counter. Reachable from guest code through the
// cycle counter peripheral.
func (m *Machine) SetCycles(n uint64) { m.cycles = n }

// Interrupt requests that the current burst stop at the next instruction
// boundary. Safe to call from any goroutine.
func (m *Machine) Interrupt() {
	atomic.StoreUint32(&m.interrupt, 1)
}

// TakeInterrupt consumes a pending interrupt request, reporting whether one
// was set.
func (m *Machine) TakeInterrupt() bool {
	return atomic.CompareAndSwapUint32(&m.interrupt, 1, 0)
}

// SetPC moves the PC without executing anything. The reported-breakpoint
// record clears, so a breakpoint at the new address fires on the next run.
func (m *Machine) SetPC(addr uint32) {
	m.Regs.SetPC(addr)
	m.lastBreak = -1
}

// Reset returns the core to its power-on state: registers, flags, counters
// and all storage cleared. Breakpoints survive a reset.
func (m *Machine) Reset() {
	m.Regs.Load([cpu.NumRegs]uint32{}, 0)
	m.instructions = 0
	m.cycles = 0
	m.lastBreak = -1
	atomic.StoreUint32(&m.interrupt, 0)
	for _, r := range m.Mem.Regions() {
		if r.IO == nil {
			for i := range r.Data {
				r.Data[i] = 0
			}
		}
	}
}

func (m *Machine) AddBreakpoint(addr uint32, kind BreakKind) {
	m.breakpoints[addr] = kind
}

func (m *Machine) RemoveBreakpoint(addr uint32) {
	delete(m.breakpoints, addr)
	if m.lastBreak == int64(addr) {
		m.lastBreak = -1
	}
}

func (m *Machine) Breakpoints() []uint32 {
	addrs := make([]uint32, 0, len(m.breakpoints))
	for addr := range m.breakpoints {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Disassemble decodes up to count instructions starting at addr, reading
// through the debug access path.
func (m *Machine) Disassemble(addr uint64, count int) ([]arch.Ins, error) {
	buf := make([]byte, count*4)
	// shrink to the mapped prefix so a trailing unmapped word is not fatal
	for len(buf) > 0 {
		if err := m.Mem.Read(addr, buf, 0); err == nil {
			break
		}
		buf = buf[:len(buf)-4]
	}
	ret, err := m.dis.Dis(buf, addr)
	if err != nil {
		return nil, err
	}
	if len(ret) > count {
		ret = ret[:count]
	}
	return ret, nil
}
