package machine

import "fmt"

type StopKind int

const (
	// the burst budget ran out; nothing interesting happened
	StopMaxSteps StopKind = iota
	// an asynchronous interrupt request curtailed the burst
	StopInterrupted
	StopBreakpoint
	StopFault
	StopHalted
)

// StopReason reports why the engine returned control. Addr is the breakpoint
// or faulting address where that applies, Err the underlying fault.
type StopReason struct {
	Kind StopKind
	Addr uint32
	Err  error
}

func (s StopReason) String() string {
	switch s.Kind {
	case StopMaxSteps:
		return "step budget reached"
	case StopInterrupted:
		return "interrupted"
	case StopBreakpoint:
		return fmt.Sprintf("breakpoint at %#x", s.Addr)
	case StopFault:
		return fmt.Sprintf("fault at %#x: %v", s.Addr, s.Err)
	case StopHalted:
		return fmt.Sprintf("halted at %#x", s.Addr)
	}
	return "unknown stop"
}

type BreakKind int

const (
	BreakSoft BreakKind = iota
	BreakHard
)
