package notifier

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifier_SetDelete_PublishesInOrder(t *testing.T) {
	n := New()

	var (
		mu      sync.Mutex
		records []Record
	)
	unsub := n.Subscribe(func(r Record) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, r)
	})
	defer unsub()

	n.Set([]string{"ion"}, "1", map[string]any{"status": "pending"})
	n.Set([]string{"ion", "1"}, "status", "preparing")
	n.Delete([]string{"ion"}, "1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 3)
	require.Equal(t, SetItem, records[0].Action)
	require.Equal(t, []string{"ion"}, records[0].Path)
	require.Equal(t, "1", records[0].Key)
	require.Equal(t, SetItem, records[1].Action)
	require.Equal(t, "status", records[1].Key)
	require.Equal(t, "preparing", records[1].Value)
	require.Equal(t, DelItem, records[2].Action)
}

func TestNotifier_Subscribe_OnlySeesSubsequentMutations(t *testing.T) {
	n := New()
	n.Set([]string{"ion"}, "1", "before")

	var seen []Record
	n.Subscribe(func(r Record) { seen = append(seen, r) })

	n.Set([]string{"ion"}, "1", "after")

	require.Len(t, seen, 1)
	require.Equal(t, "after", seen[0].Value)
}

func TestNotifier_Unsubscribe_StopsDelivery(t *testing.T) {
	n := New()
	count := 0
	unsub := n.Subscribe(func(Record) { count++ })

	n.Set([]string{"ion"}, "1", "a")
	unsub()
	n.Set([]string{"ion"}, "1", "b")

	require.Equal(t, 1, count)
}

func TestNotifier_PanickingSubscriber_Isolated(t *testing.T) {
	n := New()
	n.Subscribe(func(Record) { panic("boom") })

	var got Record
	n.Subscribe(func(r Record) { got = r })

	require.NotPanics(t, func() {
		n.Set([]string{"ion"}, "1", "v")
	})
	require.Equal(t, "v", got.Value)
}

func TestNotifier_Snapshot_DeepCopy(t *testing.T) {
	n := New()
	n.Set([]string{"ion"}, "1", map[string]any{"status": "pending"})

	snap := n.Snapshot()
	entry := snap["ion"].(map[string]any)["1"].(map[string]any)
	entry["status"] = "mutated-copy"

	snap2 := n.Snapshot()
	entry2 := snap2["ion"].(map[string]any)["1"].(map[string]any)
	require.Equal(t, "pending", entry2["status"], "mutating a snapshot must not affect the live tree")
}
