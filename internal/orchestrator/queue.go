package orchestrator

import (
	"sync"

	"github.com/mtzanidakis/bullpen/internal/store"
)

// dispatchEntry is one queued invocation for a single agent. The prompt is
// built when the plan resolves, so every recipient of a broadcast sees the
// conversation as it stood at dispatch time.
type dispatchEntry struct {
	ChannelID string
	Mode      string
	Prompt    string
	Message   *store.Message // inbound message that produced this entry
	tracker   *fanoutTracker // set on standup fan-outs, nil otherwise
}

// fanoutTracker counts one broadcast's outcomes so the orchestrator can
// post a roll-call when the whole fan-out has finished. Quiet exclusions
// count as absent, the same as failures.
type fanoutTracker struct {
	mu        sync.Mutex
	remaining int
	answered  int
	total     int
	done      func(answered, total int)
}

func newFanoutTracker(total int, done func(answered, total int)) *fanoutTracker {
	return &fanoutTracker{remaining: total, total: total, done: done}
}

func (t *fanoutTracker) finish(answered bool) {
	t.mu.Lock()
	if answered {
		t.answered++
	}
	t.remaining--
	fire := t.remaining == 0
	count := t.answered
	t.mu.Unlock()

	if fire && t.done != nil {
		t.done(count, t.total)
	}
}

// agentQueue serializes dispatches to one agent. Entries accumulate while
// an invocation is in flight; a single drainer works them off in order.
type agentQueue struct {
	agentID string
	pending []dispatchEntry
	mu      sync.Mutex
	locked  bool
}

func newAgentQueue(agentID string) *agentQueue {
	return &agentQueue{agentID: agentID}
}

func (q *agentQueue) Enqueue(entry dispatchEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, entry)
}

func (q *agentQueue) Dequeue() (dispatchEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return dispatchEntry{}, false
	}

	entry := q.pending[0]
	q.pending = q.pending[1:]
	return entry, true
}

func (q *agentQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

func (q *agentQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

func (q *agentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
