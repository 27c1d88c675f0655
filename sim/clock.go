// Package sim implements the deterministic, single-threaded simulation
// scheduler of spec.md §4.5: a virtual clock, an ordered pending-event
// queue, a link table supporting fault injection, and the per-step
// invariant checks of spec.md §8.
package sim

import (
	"github.com/google/btree"
)

// VirtualTime is the simulator's monotonic logical clock, expressed in
// the same units as config.TickPeriod.
type VirtualTime uint64

// eventItem is the btree.Item wrapping a pending event: ordered by
// (Time, Seq) so the earliest-scheduled event always sorts first and
// insertion order (Seq) breaks ties deterministically (spec.md §4.5).
type eventItem struct {
	time VirtualTime
	seq  uint64
	ev   *Event
}

// Less implements btree.Item.
func (a eventItem) Less(than btree.Item) bool {
	b := than.(eventItem)
	if a.time != b.time {
		return a.time < b.time
	}
	return a.seq < b.seq
}

// eventQueue is a btree-ordered priority queue of pending events, the
// domain-stack replacement for a hand-rolled heap (SPEC_FULL.md §4.5).
type eventQueue struct {
	tree   *btree.BTree
	nextID uint64
}

func newEventQueue() *eventQueue {
	return &eventQueue{tree: btree.New(16)}
}

// push inserts ev, stamping it with the next insertion-order sequence
// number, and returns that sequence number so the caller can cancel it
// later.
func (q *eventQueue) push(ev *Event) uint64 {
	seq := q.nextID
	q.nextID++
	ev.seq = seq
	q.tree.ReplaceOrInsert(eventItem{time: ev.Time, seq: seq, ev: ev})
	return seq
}

// popMin removes and returns the earliest-scheduled event, or nil if
// the queue is empty.
func (q *eventQueue) popMin() *Event {
	item := q.tree.Min()
	if item == nil {
		return nil
	}
	q.tree.Delete(item)
	return item.(eventItem).ev
}

// peekTime reports the time of the earliest-scheduled event.
func (q *eventQueue) peekTime() (VirtualTime, bool) {
	item := q.tree.Min()
	if item == nil {
		return 0, false
	}
	return item.(eventItem).time, true
}

// remove cancels the event previously returned by push via (time, seq).
func (q *eventQueue) remove(time VirtualTime, seq uint64) {
	q.tree.Delete(eventItem{time: time, seq: seq})
}

func (q *eventQueue) len() int { return q.tree.Len() }
