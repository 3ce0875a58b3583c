package aggregator

import (
	"sort"
	"sync"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// Table is the process-wide join table: uid -> entry.
// The RWMutex guards key insertion only; entries serialize their own mutation.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*model.ProvenanceEntry
	queue   *requestQueue
}

// newTable creates an empty table whose new keys are enqueued on queue.
func newTable(queue *requestQueue) *Table {
	return &Table{entries: make(map[string]*model.ProvenanceEntry), queue: queue}
}

// Get returns the entry for uid.
func (t *Table) Get(uid string) (*model.ProvenanceEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[uid]
	return e, ok
}

// Acquire returns the entry for id, creating it on first sight. A created entry
// holds a skeleton JobInfo and its identity is enqueued for lookup exactly once.
func (t *Table) Acquire(id model.JobIdentity) *model.ProvenanceEntry {
	uid := id.UID()
	if e, ok := t.Get(uid); ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[uid]; ok {
		return e
	}
	e := model.NewProvenanceEntry(id)
	t.entries[uid] = e
	if t.queue != nil {
		t.queue.Push(id)
	}
	return e
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns the entries ordered by uid.
func (t *Table) Entries() []*model.ProvenanceEntry {
	t.mu.RLock()
	out := make([]*model.ProvenanceEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out
}

// Sweep removes FINISHED entries and resets the record lists of the others.
// It returns the removed identities.
func (t *Table) Sweep() []model.JobIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []model.JobIdentity
	for uid, e := range t.entries {
		if e.JobInfo().IsFinished() {
			delete(t.entries, uid)
			removed = append(removed, e.Identity())
			continue
		}
		e.Reset()
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Token() < removed[j].Token() })
	return removed
}

// requestQueue is the unbounded scheduler-request queue. Producers never block,
// so re-queueing at window end cannot stall on a stopped consumer.
type requestQueue struct {
	mu     sync.Mutex
	items  []model.JobIdentity
	notify chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{notify: make(chan struct{}, 1)}
}

// Push appends ids and wakes the consumer.
func (q *requestQueue) Push(ids ...model.JobIdentity) {
	if len(ids) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, ids...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain takes every queued identity.
func (q *requestQueue) Drain() []model.JobIdentity {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued identities.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
