// Package session owns run control for one machine: the state machine, the
// burst worker and the event fan-out that debug adapters sit on.
package session

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vireoemu/vireo/arch"
	"github.com/vireoemu/vireo/cpu"
	"github.com/vireoemu/vireo/machine"
)

type State int

const (
	Idle State = iota
	Launching
	Running
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

var ErrInvalidState = errors.New("operation not valid in current state")

// Image is the loadable firmware payload. The loader package provides the
// concrete implementation; the interface keeps run control independent of
// image formats.
type Image interface {
	Apply(m *machine.Machine) error
	Entry() uint32
}

type Config struct {
	// instructions per burst; the pause latency bound
	BurstSize uint64
}

const DefaultBurstSize = 4096

// Session drives one machine. Commands return immediately; completion of an
// asynchronous run arrives as a StopEvent. While Running, the worker holds
// the session lock for at most one burst, and any reader can curtail the
// burst early, so inspection never observes torn mid-instruction state.
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond

	m   *machine.Machine
	img Image
	cfg Config

	state    State
	reason   PauseReason
	pauseReq bool
	// next telemetry sample carries the reset marker
	resetMark bool

	subs []*Subscriber
}

func New(m *machine.Machine, img Image, cfg Config) *Session {
	if cfg.BurstSize == 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	s := &Session{m: m, img: img, cfg: cfg, state: Idle}
	s.cond = sync.NewCond(&s.mu)
	go s.worker()
	return s
}

// Subscribe registers a new event consumer. Every subscriber sees the full
// event stream from the moment of subscription.
func (s *Session) Subscribe() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := newSubscriber()
	s.subs = append(s.subs, sub)
	return sub
}

// publish appends to every subscriber queue. Caller holds s.mu, which is
// what gives the stream its total order.
func (s *Session) publish(ev Event) {
	for _, sub := range s.subs {
		sub.push(ev)
	}
}

func (s *Session) setPaused(reason PauseReason, addr uint32, err error) {
	s.state = Paused
	s.reason = reason
	s.publish(StopEvent{Reason: reason, Addr: addr, Err: err})
}

func (s *Session) sampleTelemetry() {
	s.publish(Telemetry{
		Cycles:       s.m.Cycles(),
		Instructions: s.m.Instructions(),
		PC:           s.m.Regs.PC(),
		Reset:        s.resetMark,
	})
	s.resetMark = false
}

// worker drives bursts while the session is Running. It holds the lock
// across each burst and releases it between bursts so queued commands and
// curtailing readers get in.
func (s *Session) worker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for s.state != Running && s.state != Terminated {
			s.cond.Wait()
		}
		if s.state == Terminated {
			return
		}
		if s.pauseReq {
			s.pauseReq = false
			s.setPaused(PauseManual, s.m.Regs.PC(), nil)
			continue
		}
		r := s.m.Step(s.cfg.BurstSize)
		s.sampleTelemetry()
		switch r.Kind {
		case machine.StopMaxSteps, machine.StopInterrupted:
			// still Running; yield the lock, then re-enter the next burst
			s.mu.Unlock()
			s.mu.Lock()
		case machine.StopBreakpoint:
			s.setPaused(PauseBreakpoint, r.Addr, nil)
		case machine.StopFault:
			s.setPaused(PauseFault, r.Addr, r.Err)
		case machine.StopHalted:
			s.setPaused(PauseHalted, r.Addr, nil)
		}
	}
}

// Launch loads the firmware image and leaves the session Paused at the entry
// point. A load failure is fatal to the session.
func (s *Session) Launch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return errors.Wrapf(ErrInvalidState, "launch while %s", s.state)
	}
	s.state = Launching
	if err := s.img.Apply(s.m); err != nil {
		s.state = Terminated
		s.publish(TerminatedEvent{})
		s.cond.Broadcast()
		return errors.Wrap(err, "launch failed")
	}
	s.m.SetPC(s.img.Entry())
	s.setPaused(PauseEntry, s.img.Entry(), nil)
	return nil
}

// Continue resumes execution. It returns once the transition is committed;
// the eventual stop arrives as an event.
func (s *Session) Continue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return errors.Wrapf(ErrInvalidState, "continue while %s", s.state)
	}
	s.state = Running
	s.cond.Broadcast()
	return nil
}

// Pause requests a stop at the next instruction boundary and returns without
// waiting for it. Pausing an already paused session is a no-op; no second
// stop event is published.
func (s *Session) Pause() error {
	// curtail the in-flight burst before queueing for the lock
	s.m.Interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Paused:
		return nil
	case Running:
		s.pauseReq = true
		return nil
	}
	return errors.Wrapf(ErrInvalidState, "pause while %s", s.state)
}

// Step executes up to n instructions synchronously. The first instruction
// always executes even with a breakpoint at the current PC; later boundaries
// stop on breakpoints as usual. A long step does not wedge the session:
// curtailing callers interleave at instruction boundaries, and Terminate
// aborts the remainder.
func (s *Session) Step(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return errors.Wrapf(ErrInvalidState, "step while %s", s.state)
	}
	if n == 0 {
		n = 1
	}
	for i := uint64(0); i < n; i++ {
		if s.m.TakeInterrupt() {
			// yield the lock at the boundary so curtailing readers and a
			// terminate get in during a long step
			s.mu.Unlock()
			s.mu.Lock()
			if s.state != Paused {
				return errors.Wrapf(ErrInvalidState, "step interrupted while %s", s.state)
			}
		}
		if i > 0 {
			if addr, hit := s.m.BreakpointPending(); hit {
				s.setPaused(PauseBreakpoint, addr, nil)
				return nil
			}
		}
		if r, stopped := s.m.StepInstruction(); stopped {
			switch r.Kind {
			case machine.StopFault:
				s.setPaused(PauseFault, r.Addr, r.Err)
			case machine.StopHalted:
				s.setPaused(PauseHalted, r.Addr, nil)
			}
			return nil
		}
	}
	s.setPaused(PauseStep, s.m.Regs.PC(), nil)
	return nil
}

// Restart reloads the firmware into a power-on machine. Breakpoints survive;
// counters and telemetry restart from zero with the reset marker set.
func (s *Session) Restart() error {
	s.m.Interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated || s.state == Idle {
		return errors.Wrapf(ErrInvalidState, "restart while %s", s.state)
	}
	s.m.Reset()
	if err := s.img.Apply(s.m); err != nil {
		s.state = Terminated
		s.publish(TerminatedEvent{})
		s.cond.Broadcast()
		return errors.Wrap(err, "restart failed")
	}
	s.m.SetPC(s.img.Entry())
	s.resetMark = true
	s.setPaused(PauseEntry, s.img.Entry(), nil)
	return nil
}

// Goto force-moves the PC while Paused. The target must be word aligned.
func (s *Session) Goto(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return errors.Wrapf(ErrInvalidState, "goto while %s", s.state)
	}
	if addr%4 != 0 {
		return errors.Errorf("goto target %#x is not word aligned", addr)
	}
	s.m.SetPC(addr)
	s.setPaused(PauseManual, addr, nil)
	return nil
}

// Terminate ends the session. Status stays queryable afterwards.
func (s *Session) Terminate() {
	s.m.Interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return
	}
	s.state = Terminated
	s.publish(TerminatedEvent{})
	s.cond.Broadcast()
}

// lockCurtailed takes the session lock, curtailing an in-flight burst first
// so a Running session yields within one instruction.
func (s *Session) lockCurtailed() {
	s.m.Interrupt()
	s.mu.Lock()
}

func (s *Session) checkLive() error {
	switch s.state {
	case Terminated:
		return errors.Wrap(ErrInvalidState, "session terminated")
	case Idle, Launching:
		return errors.Wrapf(ErrInvalidState, "no target while %s", s.state)
	}
	return nil
}

func (s *Session) ReadRegister(index int) (uint32, error) {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return 0, err
	}
	return s.m.Regs.Read(index)
}

func (s *Session) WriteRegister(index int, val uint32) error {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	if index == cpu.PCReg {
		if val%4 != 0 {
			return errors.Errorf("pc value %#x is not word aligned", val)
		}
		s.m.SetPC(val)
		return nil
	}
	return s.m.Regs.Write(index, val)
}

func (s *Session) ReadMemory(addr uint64, size int) ([]byte, error) {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	p := make([]byte, size)
	if err := s.m.Mem.Read(addr, p, 0); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Session) WriteMemory(addr uint64, p []byte) error {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return err
	}
	return s.m.Mem.Write(addr, p, 0)
}

func (s *Session) AddBreakpoint(addr uint32, kind machine.BreakKind) error {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return errors.Wrap(ErrInvalidState, "session terminated")
	}
	s.m.AddBreakpoint(addr, kind)
	return nil
}

func (s *Session) RemoveBreakpoint(addr uint32) error {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return errors.Wrap(ErrInvalidState, "session terminated")
	}
	s.m.RemoveBreakpoint(addr)
	return nil
}

func (s *Session) Breakpoints() []uint32 {
	s.lockCurtailed()
	defer s.mu.Unlock()
	return s.m.Breakpoints()
}

// Snapshot captures restorable machine state. Valid while Paused or Idle.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused && s.state != Idle {
		return nil, errors.Wrapf(ErrInvalidState, "snapshot while %s", s.state)
	}
	return machine.Capture(s.m)
}

// RestoreSnapshot rewinds the machine to a captured state and leaves the
// session Paused with the restore reason.
func (s *Session) RestoreSnapshot(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused && s.state != Idle {
		return errors.Wrapf(ErrInvalidState, "restore while %s", s.state)
	}
	if err := machine.Restore(s.m, data); err != nil {
		return err
	}
	s.resetMark = true
	s.setPaused(PauseRestored, s.m.Regs.PC(), nil)
	return nil
}

// Registers snapshots the full register file plus flags.
func (s *Session) Registers() ([cpu.NumRegs]uint32, uint32, error) {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		var zero [cpu.NumRegs]uint32
		return zero, 0, err
	}
	vals, flags := s.m.Regs.Save()
	return vals, flags, nil
}

// Disassemble decodes up to count instructions at addr through the debug
// access path.
func (s *Session) Disassemble(addr uint64, count int) ([]arch.Ins, error) {
	s.lockCurtailed()
	defer s.mu.Unlock()
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	return s.m.Disassemble(addr, count)
}

type Status struct {
	State        State
	Reason       PauseReason
	PC           uint32
	Cycles       uint64
	Instructions uint64
}

// Status reports the current state. Valid in every state, Terminated
// included.
func (s *Session) Status() Status {
	s.lockCurtailed()
	defer s.mu.Unlock()
	return Status{
		State:        s.state,
		Reason:       s.reason,
		PC:           s.m.Regs.PC(),
		Cycles:       s.m.Cycles(),
		Instructions: s.m.Instructions(),
	}
}

// Machine exposes the underlying target for Paused-state helpers such as
// disassembly. Callers must not retain it across a resume.
func (s *Session) Machine() *machine.Machine {
	return s.m
}
