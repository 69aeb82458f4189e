package scheduler

import (
	"container/heap"
	"time"
)

// farFuture stands in for a null due date when comparing: an entry with
// no due date is always ready "now", but loses prepare-order ties
// against any entry with a concrete, earlier due date.
var farFuture = time.Unix(1<<62, 0)

func dueDateKey(d *time.Time) time.Time {
	if d == nil {
		return farFuture
	}
	return *d
}

func isReady(e *RunEntry, now time.Time) bool {
	return e.dueDate == nil || !e.dueDate.After(now)
}

// prepareLess implements the prepare-order comparator: smaller due_date
// wins; a null due_date sorts last; ties break on higher priority, then
// smaller rid.
func prepareLess(a, b *RunEntry) bool {
	ak, bk := dueDateKey(a.dueDate), dueDateKey(b.dueDate)
	if !ak.Equal(bk) {
		return ak.Before(bk)
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.rid < b.rid
}

// runLess implements the run-order comparator: higher priority wins,
// ties break on smaller rid.
func runLess(a, b *RunEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.rid < b.rid
}

// prepareItem is one entry tracked by the prepare-order heap.
type prepareItem struct {
	entry *RunEntry
	index int
}

// prepareQueue holds entries in pending/flushing, ordered by
// prepareLess. It is a container/heap.Interface with an index map so an
// entry can be removed in O(log n) when it leaves the pending/flushing
// pool for a reason other than being selected (deletion, shutdown).
// Selection itself (SelectReady) cannot rely on heap order alone because
// readiness depends on wall-clock time, which shifts which entries are
// candidates independently of their structural ordering; it scans the
// small pending set instead, using the heap purely for O(log n)
// insert/remove bookkeeping.
type prepareQueue struct {
	items []*prepareItem
	index map[uint64]*prepareItem
}

func newPrepareQueue() *prepareQueue {
	return &prepareQueue{index: make(map[uint64]*prepareItem)}
}

func (q *prepareQueue) Len() int { return len(q.items) }

func (q *prepareQueue) Less(i, j int) bool {
	return prepareLess(q.items[i].entry, q.items[j].entry)
}

func (q *prepareQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *prepareQueue) Push(x interface{}) {
	it := x.(*prepareItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.index[it.entry.rid] = it
}

func (q *prepareQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.index, it.entry.rid)
	return it
}

// Add inserts e into the queue.
func (q *prepareQueue) Add(e *RunEntry) {
	heap.Push(q, &prepareItem{entry: e})
}

// Remove deletes e's item from the queue, if present. A no-op if rid is
// not currently queued.
func (q *prepareQueue) Remove(rid uint64) {
	it, ok := q.index[rid]
	if !ok {
		return
	}
	heap.Remove(q, it.index)
}

// SelectReady scans for the readiest candidate per the due_date/priority/
// rid order. ok is false if nothing is ready yet, in which case nextWake
// is the earliest due_date among the not-yet-ready entries (the zero
// Time if the queue is empty or every entry present lacks a due date,
// which cannot itself make SelectReady return ok==false).
func (q *prepareQueue) SelectReady(now time.Time) (best *RunEntry, ok bool, nextWake time.Time) {
	for _, it := range q.items {
		e := it.entry
		if isReady(e, now) {
			if !ok || prepareLess(e, best) {
				best, ok = e, true
			}
			continue
		}
		if nextWake.IsZero() || e.dueDate.Before(nextWake) {
			nextWake = *e.dueDate
		}
	}
	return
}

// runItem is one entry tracked by the run-order heap.
type runItem struct {
	entry *RunEntry
	index int
}

// runQueue holds entries in prepare_done/paused, ordered by runLess.
// Unlike prepareQueue, selection here has no time dependency, so the
// heap root is always the correct pick.
type runQueue struct {
	items []*runItem
	index map[uint64]*runItem
}

func newRunQueue() *runQueue {
	return &runQueue{index: make(map[uint64]*runItem)}
}

func (q *runQueue) Len() int { return len(q.items) }

func (q *runQueue) Less(i, j int) bool {
	return runLess(q.items[i].entry, q.items[j].entry)
}

func (q *runQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *runQueue) Push(x interface{}) {
	it := x.(*runItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.index[it.entry.rid] = it
}

func (q *runQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.index, it.entry.rid)
	return it
}

func (q *runQueue) Add(e *RunEntry) {
	heap.Push(q, &runItem{entry: e})
}

func (q *runQueue) Remove(rid uint64) {
	it, ok := q.index[rid]
	if !ok {
		return
	}
	heap.Remove(q, it.index)
}

// Peek returns the current best candidate without removing it, or nil
// if the queue is empty.
func (q *runQueue) Peek() *RunEntry {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].entry
}
