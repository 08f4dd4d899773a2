package session

import "sync"

// Events are delivered to subscribers strictly in the order the session
// produced them. A StopEvent for a transition is enqueued inside the same
// critical section that commits the transition, so no subscriber can observe
// the new state before its event.

type PauseReason int

const (
	PauseEntry PauseReason = iota
	PauseManual
	PauseStep
	PauseBreakpoint
	PauseFault
	PauseRestored
	PauseHalted
)

func (r PauseReason) String() string {
	switch r {
	case PauseEntry:
		return "entry"
	case PauseManual:
		return "pause"
	case PauseStep:
		return "step"
	case PauseBreakpoint:
		return "breakpoint"
	case PauseFault:
		return "fault"
	case PauseRestored:
		return "restored"
	case PauseHalted:
		return "halted"
	}
	return "unknown"
}

type Event interface{}

// StopEvent reports a transition into Paused.
type StopEvent struct {
	Reason PauseReason
	Addr   uint32
	// fault detail when Reason is PauseFault
	Err error
}

// Telemetry is sampled once per burst while the session is Running. Counters
// are monotone within one run; Reset marks the first sample after a restart
// or snapshot restore.
type Telemetry struct {
	Cycles       uint64
	Instructions uint64
	PC           uint32
	Reset        bool
}

type TerminatedEvent struct{}

// Subscriber receives session events on C. Delivery never blocks the
// session: events queue without bound and a pump goroutine drains them.
// C is closed after Close, or once a TerminatedEvent has been delivered;
// callers must keep draining C until it closes.
type Subscriber struct {
	C chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

func newSubscriber() *Subscriber {
	s := &Subscriber{
		C:    make(chan Event),
		wake: make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) next() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && len(s.queue) == 0 {
		return nil, false, true
	}
	if len(s.queue) == 0 {
		return nil, false, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true, false
}

func (s *Subscriber) pump() {
	defer close(s.C)
	for range s.wake {
		for {
			ev, ok, done := s.next()
			if done {
				return
			}
			if !ok {
				break
			}
			s.C <- ev
			if _, term := ev.(TerminatedEvent); term {
				return
			}
		}
	}
}

// Close stops delivery and drops any queued events.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
