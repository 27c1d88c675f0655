package sim

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SystemID names one actor registered with the Simulator: a replica,
// the client driver, or any other participant spec.md §4.5 models as a
// System.
type SystemID uint64

// LinkState is the fault-injection state of a directed (src, dst) pair
// (spec.md §4.5).
type LinkState int

const (
	LinkOpen LinkState = iota
	LinkBroken
	LinkClogged
)

// Kind distinguishes a message delivery from a timer firing, so a
// single Actor.Handle entrypoint can dispatch both (mirrors how a real
// actor's mailbox interleaves peer messages and its own scheduled
// wakeups).
type Kind int

const (
	KindMessage Kind = iota
	KindTimer
)

// Event is one entry in the simulator's pending queue: either a
// message in flight from From to To, or a timer owned by To.
type Event struct {
	Time VirtualTime
	Kind Kind
	From SystemID
	To   SystemID
	Data interface{}

	seq       uint64
	cancelled bool
}

// Handle lets a caller cancel a scheduled timer before it fires
// (spec.md §5 "timers carry handles; cancellation removes them from
// the scheduler").
type Handle struct {
	time VirtualTime
	seq  uint64
	ev   *Event
}

// Actor is a participant in the simulation: a Raft replica shell, the
// client driver, or a test harness probe. Handle runs to completion
// without preemption, mutating only the actor's own state (spec.md §5).
type Actor interface {
	ID() SystemID
	Handle(sim *Simulator, ev *Event)
}

// StateInspector produces a point-in-time snapshot of one actor's
// domain state, consumed by the registered Invariants after every step
// (spec.md §4.5 "monitored_actors").
type StateInspector func() ReplicaSnapshot

// Simulator owns the virtual clock, the event queue, the link table,
// and the registered actors/inspectors/invariants of spec.md §4.5. It
// holds no goroutines and no sync primitives: every mutation happens on
// the single call stack driven by Step/Run.
type Simulator struct {
	now   VirtualTime
	queue *eventQueue

	actors map[SystemID]Actor
	links  map[linkKey]LinkState

	inspectors []StateInspector
	invariants []Invariant
	history    []map[SystemID]ReplicaSnapshot

	// epsilon is the delay after which events re-queued from a clogged
	// link are delivered (now+epsilon, spec.md §4.5).
	epsilon VirtualTime

	log *zap.Logger

	// failures accumulates invariant violations without halting the
	// loop (spec.md §4.5: "an invariant failure returns an error but
	// does not itself stop the loop").
	failures []error
}

type linkKey struct{ from, to SystemID }

// NewSimulator constructs an empty Simulator. No package-level state is
// touched (spec.md §9): the caller supplies every actor explicitly via
// Register.
func NewSimulator(log *zap.Logger) *Simulator {
	return &Simulator{
		queue:   newEventQueue(),
		actors:  make(map[SystemID]Actor),
		links:   make(map[linkKey]LinkState),
		epsilon: 1,
		log:     log,
	}
}

// Register adds an actor to the simulation.
func (s *Simulator) Register(a Actor) { s.actors[a.ID()] = a }

// Inspect registers a state inspector, evaluated after every step.
func (s *Simulator) Inspect(f StateInspector) { s.inspectors = append(s.inspectors, f) }

// Check registers an invariant, evaluated against the snapshot history
// after every step.
func (s *Simulator) Check(inv Invariant) { s.invariants = append(s.invariants, inv) }

// Now returns the simulator's current virtual time.
func (s *Simulator) Now() VirtualTime { return s.now }

// Failures returns every invariant violation observed so far.
func (s *Simulator) Failures() []error { return s.failures }

func (s *Simulator) linkState(from, to SystemID) LinkState {
	if from == to {
		return LinkOpen
	}
	st, ok := s.links[linkKey{from, to}]
	if !ok {
		return LinkOpen
	}
	return st
}

// BreakLink marks messages from 'from' to 'to' as discarded. The
// reverse direction is independent (spec.md §4.5).
func (s *Simulator) BreakLink(from, to SystemID) { s.links[linkKey{from, to}] = LinkBroken }

// HealLink restores a link previously broken or clogged.
func (s *Simulator) HealLink(from, to SystemID) { s.links[linkKey{from, to}] = LinkOpen }

// ClogSystem freezes all outbound delivery from sys: every other
// system's link from sys is marked clogged.
func (s *Simulator) ClogSystem(sys SystemID) {
	for id := range s.actors {
		if id == sys {
			continue
		}
		s.links[linkKey{sys, id}] = LinkClogged
	}
}

// Send schedules a message from 'from' to 'to', delivered at 'after'
// virtual-time units from now (0 for an immediate, same-step message).
func (s *Simulator) Send(from, to SystemID, after VirtualTime, data interface{}) {
	ev := &Event{Time: s.now + after, Kind: KindMessage, From: from, To: to, Data: data}
	s.queue.push(ev)
}

// After schedules a timer for 'to', firing at now+delay, and returns a
// Handle the caller can pass to Cancel.
func (s *Simulator) After(to SystemID, delay VirtualTime, data interface{}) Handle {
	ev := &Event{Time: s.now + delay, Kind: KindTimer, From: to, To: to, Data: data}
	seq := s.queue.push(ev)
	return Handle{time: ev.Time, seq: seq, ev: ev}
}

// Cancel removes a previously scheduled timer. A cancelled timer is
// guaranteed not to fire (spec.md §5).
func (s *Simulator) Cancel(h Handle) {
	h.ev.cancelled = true
	s.queue.remove(h.time, h.seq)
}

// Step performs one simulate_step: pops the earliest event, applies
// link-state rules, delivers it (or discards/requeues it), then checks
// invariants against the resulting snapshot (spec.md §4.5).
func (s *Simulator) Step() (bool, error) {
	span, _ := opentracing.StartSpanFromContext(context.Background(), "sim.step")
	defer span.Finish()

	ev := s.queue.popMin()
	if ev == nil {
		return false, nil
	}
	if ev.cancelled {
		s.now = ev.Time
		return true, nil
	}
	s.now = ev.Time
	span.SetTag("virtual_time", uint64(s.now))

	if ev.Kind == KindMessage {
		switch s.linkState(ev.From, ev.To) {
		case LinkBroken:
			span.SetTag("dropped", true)
			return true, nil
		case LinkClogged:
			ev.Time = s.now + s.epsilon
			s.queue.push(ev)
			return true, nil
		}
	}
	span.SetTag("kind", int(ev.Kind))

	actor, ok := s.actors[ev.To]
	if !ok {
		if s.log != nil {
			s.log.Warn("event for unknown actor", zap.Uint64("to", uint64(ev.To)))
		}
		return true, nil
	}
	actor.Handle(s, ev)

	s.checkInvariants()
	return true, nil
}

// Run drains the event queue until empty or maxSteps is reached
// (maxSteps <= 0 means unbounded), returning the number of steps taken.
func (s *Simulator) Run(maxSteps int) (int, error) {
	steps := 0
	for maxSteps <= 0 || steps < maxSteps {
		more, err := s.Step()
		if err != nil {
			return steps, err
		}
		if !more {
			return steps, nil
		}
		steps++
	}
	return steps, nil
}

func (s *Simulator) checkInvariants() {
	snap := make(map[SystemID]ReplicaSnapshot, len(s.inspectors))
	for _, f := range s.inspectors {
		rs := f()
		snap[rs.ID] = rs
	}
	s.history = append(s.history, snap)
	for _, inv := range s.invariants {
		if err := inv.Check(s.history); err != nil {
			s.failures = append(s.failures, errors.Wrapf(err, "invariant %s violated at t=%d", inv.Name(), s.now))
			if s.log != nil {
				s.log.Error("invariant violated", zap.String("invariant", inv.Name()), zap.Error(err))
			}
		}
	}
}
