package raft

// Inflights tracks the indices of in-flight (unacknowledged)
// AppendEntries messages sent to one follower, bounded by
// max_inflight (spec.md §6 `max_inflight`). It is a simple ring
// buffer, matching etcd-raft's own Inflights shape.
type Inflights struct {
	start  int
	count  int
	buffer []uint64
}

// NewInflights creates an Inflights that will track up to size messages.
func NewInflights(size int) *Inflights {
	return &Inflights{buffer: make([]uint64, 0, size)}
}

// Full reports whether the number of in-flight messages has reached
// the cap.
func (in *Inflights) Full() bool {
	return in.count == cap(in.buffer)
}

// Add records an in-flight message with the given last log index.
func (in *Inflights) Add(inflight uint64) {
	if in.Full() {
		panic("cannot add into a Full inflights")
	}
	next := in.start + in.count
	size := cap(in.buffer)
	if next >= size {
		next -= size
	}
	if next >= len(in.buffer) {
		in.buffer = in.buffer[:next+1]
	}
	in.buffer[next] = inflight
	in.count++
}

// FreeLE frees the in-flight slots up to and including the given index.
func (in *Inflights) FreeLE(to uint64) {
	if in.count == 0 || to < in.buffer[in.start] {
		return
	}
	idx := in.start
	var i int
	for i = 0; i < in.count; i++ {
		if to < in.buffer[idx] {
			break
		}
		size := cap(in.buffer)
		idx++
		if idx >= size {
			idx -= size
		}
	}
	in.count -= i
	in.start = idx
	if in.count == 0 {
		in.start = 0
	}
}

// reset clears all in-flight records (e.g. on a term change).
func (in *Inflights) reset() {
	in.count = 0
	in.start = 0
	in.buffer = in.buffer[:0]
}

// Progress represents a follower's replication progress from the
// leader's point of view (spec.md §3: next_index/match_index/inflight).
type Progress struct {
	Match, Next uint64

	// Inflights bounds the number of unacknowledged AppendEntries
	// outstanding to this follower (config.MaxInflight).
	Inflights *Inflights

	// RecentActive is cleared at the start of each CheckQuorum window
	// and set whenever a message is received from this peer; used to
	// compute whether the leader still has a live majority.
	RecentActive bool
}

// maybeUpdate returns false if the given n index comes from an
// outdated message. Otherwise it updates the progress and returns
// true.
func (pr *Progress) maybeUpdate(n uint64) bool {
	var updated bool
	if pr.Match < n {
		pr.Match = n
		updated = true
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

// maybeDecrTo returns false if the given to index comes from an out of
// order message. Otherwise it decreases the progress next index to
// min(rejected, last+1), but never below 1, and returns true.
func (pr *Progress) maybeDecrTo(rejected, last uint64) bool {
	if rejected <= pr.Match {
		return false
	}
	if pr.Next = min(rejected, last+1); pr.Next < 1 {
		pr.Next = 1
	}
	return true
}
