package machine

import (
	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
)

// BreakpointPending applies the instruction-boundary breakpoint check. When a
// breakpoint at the current PC should fire it is recorded as reported, which
// arms the suppression that lets the next resume execute past it.
func (m *Machine) BreakpointPending() (uint32, bool) {
	pc := m.Regs.PC()
	if _, ok := m.breakpoints[pc]; ok && m.lastBreak != int64(pc) {
		m.lastBreak = int64(pc)
		return pc, true
	}
	return 0, false
}

// Step runs at most max instructions, returning at the first interesting
// instruction boundary. It never blocks; callers drive longer runs as
// repeated bursts.
func (m *Machine) Step(max uint64) StopReason {
	for n := uint64(0); ; n++ {
		if m.TakeInterrupt() {
			return StopReason{Kind: StopInterrupted, Addr: m.Regs.PC()}
		}
		if n >= max {
			return StopReason{Kind: StopMaxSteps, Addr: m.Regs.PC()}
		}
		if addr, hit := m.BreakpointPending(); hit {
			return StopReason{Kind: StopBreakpoint, Addr: addr}
		}
		if reason, stopped := m.stepInsn(); stopped {
			return reason
		}
	}
}

// StepInstruction executes exactly one instruction, ignoring any breakpoint
// at the current PC. This is the explicit single-step primitive: it always
// makes progress off a breakpoint the machine is sitting on.
func (m *Machine) StepInstruction() (StopReason, bool) {
	return m.stepInsn()
}

func (m *Machine) stepInsn() (StopReason, bool) {
	pc := m.Regs.PC()
	cost, err := m.exec.StepOne(m.Regs, m.Mem)
	if err == arch.ErrHalted {
		m.instructions++
		m.cycles += uint64(cost)
		m.lastBreak = -1
		return StopReason{Kind: StopHalted, Addr: pc}, true
	}
	if err != nil {
		// a faulting instruction commits nothing, including counters
		return StopReason{Kind: StopFault, Addr: faultAddr(err, pc), Err: err}, true
	}
	m.instructions++
	m.cycles += uint64(cost)
	if m.lastBreak == int64(pc) {
		// the suppressed instruction has now executed; the address reports
		// again if control returns to it
		m.lastBreak = -1
	}
	return StopReason{}, false
}

func faultAddr(err error, pc uint32) uint32 {
	switch e := errors.Cause(err).(type) {
	case *cpu.MemError:
		return uint32(e.Addr)
	case *arch.DecodeError:
		return uint32(e.Addr)
	}
	return pc
}
