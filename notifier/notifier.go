package notifier

import (
	"sync"

	"github.com/labrun/scheduler/pool"
)

// Subscriber receives every Record published after it subscribes, in the
// exact order the Notifier produced them.
type Subscriber func(Record)

// Notifier is an observable key/value tree. All mutations the scheduler
// makes to published state go through Set/Delete, which apply the change
// to an in-memory tree and deliver the corresponding Record to every
// subscriber, in the exact order the mutations were applied — Set/Delete
// hold a single sequencing lock across both the tree mutation and the
// fan-out, so two pipelines publishing concurrently still produce one
// total order every subscriber observes identically.
//
// Publish is synchronous and must not suspend: subscribers are called
// inline, on the caller's goroutine. A slow or misbehaving subscriber
// therefore blocks that sequencing lock, delaying other Set/Delete
// callers rather than corrupting delivery order; subscribers that need
// asynchrony must do their own buffering.
//
// A panicking subscriber is recovered and does not affect the Notifier or
// other subscribers (§7: "Notifier subscriber exceptions: isolated").
type Notifier struct {
	pubMu sync.Mutex
	tree  map[string]any

	subsMu sync.Mutex
	subs   []Subscriber

	bufPool pool.Pool
}

// New constructs an empty Notifier.
func New() *Notifier {
	return &Notifier{
		tree: make(map[string]any),
		bufPool: pool.NewDynamic(func() interface{} {
			return make([]Subscriber, 0, 8)
		}),
	}
}

// Subscribe registers fn to receive all mutations published after this
// call returns. It returns an unsubscribe function.
func (n *Notifier) Subscribe(fn Subscriber) (unsubscribe func()) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()

	n.subs = append(n.subs, fn)
	idx := len(n.subs) - 1

	return func() {
		n.subsMu.Lock()
		defer n.subsMu.Unlock()
		if idx < len(n.subs) {
			n.subs[idx] = nil
		}
	}
}

// Set assigns value at path/key in the tree and publishes a SetItem
// Record, the mutation and the fan-out forming one atomic step relative
// to every other Set/Delete caller.
func (n *Notifier) Set(path []string, key string, value any) {
	n.pubMu.Lock()
	defer n.pubMu.Unlock()

	node := n.descend(path, true)
	node[key] = value
	n.publish(Record{Action: SetItem, Path: path, Key: key, Value: value}.clone())
}

// Delete removes path/key from the tree and publishes a DelItem Record.
// Deleting an absent key is a no-op on the tree but still publishes the
// Record, matching the teacher's "don't special-case idempotent cleanup"
// posture in lifecycle.Close.
func (n *Notifier) Delete(path []string, key string) {
	n.pubMu.Lock()
	defer n.pubMu.Unlock()

	node := n.descend(path, false)
	if node != nil {
		delete(node, key)
	}
	n.publish(Record{Action: DelItem, Path: path, Key: key}.clone())
}

// Snapshot returns a deep copy of the current tree, keyed the same way
// Set/Delete address it. It lets a caller (e.g. an RPC status query) read
// the full current state without replaying the change stream from the
// start. It takes the same sequencing lock as Set/Delete so it always
// observes a state consistent with some point in the published order.
func (n *Notifier) Snapshot() map[string]any {
	n.pubMu.Lock()
	defer n.pubMu.Unlock()
	return deepCopy(n.tree).(map[string]any)
}

// descend walks path from the tree root, creating intermediate maps when
// create is true. It returns nil if an intermediate key is absent and
// create is false.
func (n *Notifier) descend(path []string, create bool) map[string]any {
	node := n.tree
	for _, key := range path {
		next, ok := node[key].(map[string]any)
		if !ok {
			if !create {
				return nil
			}
			next = make(map[string]any)
			node[key] = next
		}
		node = next
	}
	return node
}

// publish delivers rec to every live subscriber, in subscription order.
// It takes a private snapshot of the subscriber list (recycled via
// bufPool) so a concurrent Subscribe/unsubscribe never races the fanout
// loop and so a subscriber can safely unsubscribe itself mid-callback.
func (n *Notifier) publish(rec Record) {
	n.subsMu.Lock()
	buf := n.bufPool.Get().([]Subscriber)[:0]
	buf = append(buf, n.subs...)
	n.subsMu.Unlock()

	for _, fn := range buf {
		if fn == nil {
			continue
		}
		n.deliver(fn, rec)
	}

	n.bufPool.Put(buf)
}

// deliver invokes fn with rec, isolating any panic.
func (n *Notifier) deliver(fn Subscriber, rec Record) {
	defer func() {
		_ = recover()
	}()
	fn(rec)
}

func deepCopy(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
