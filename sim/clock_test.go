package sim

import "testing"

func TestEventQueueOrdersByTimeThenSeq(t *testing.T) {
	q := newEventQueue()
	q.push(&Event{Time: 5})
	q.push(&Event{Time: 1})
	q.push(&Event{Time: 1})
	q.push(&Event{Time: 3})

	var order []VirtualTime
	for {
		ev := q.popMin()
		if ev == nil {
			break
		}
		order = append(order, ev.Time)
	}
	want := []VirtualTime{1, 1, 3, 5}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventQueueTiesBrokenByInsertionOrder(t *testing.T) {
	q := newEventQueue()
	first := &Event{Time: 10, Data: "first"}
	second := &Event{Time: 10, Data: "second"}
	q.push(first)
	q.push(second)

	got := q.popMin()
	if got.Data != "first" {
		t.Fatalf("popMin = %v, want the first-inserted same-time event", got.Data)
	}
}

func TestEventQueueRemove(t *testing.T) {
	q := newEventQueue()
	ev := &Event{Time: 7}
	seq := q.push(ev)
	q.remove(ev.Time, seq)
	if q.len() != 0 {
		t.Fatalf("len = %d, want 0 after remove", q.len())
	}
}
