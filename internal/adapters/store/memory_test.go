package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
)

type recorder struct {
	mu    sync.Mutex
	snaps []core.Snapshot
}

func (r *recorder) record(snap core.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) all() []core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

type doc struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestMemorySubscribeDeliversInitialState(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Publish(ctx, "calls/a", doc{Name: "x", N: 1}, core.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var rec recorder
	unsub, err := m.Subscribe("calls/a", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	m.Sync()

	snaps := rec.all()
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if !snaps[0].Exists {
		t.Fatal("initial snapshot should exist")
	}
	var d doc
	if err := snaps[0].Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Name != "x" || d.N != 1 {
		t.Fatalf("got %+v", d)
	}
}

func TestMemorySubscribeMissingDoc(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var rec recorder
	unsub, err := m.Subscribe("calls/none", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	m.Sync()

	snaps := rec.all()
	if len(snaps) != 1 || snaps[0].Exists {
		t.Fatalf("want one non-existing snapshot, got %+v", snaps)
	}
}

func TestMemoryIfMissing(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	opts := core.PublishOptions{IfMissing: true}

	if err := m.Publish(ctx, "calls/a", doc{N: 1}, opts); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := m.Publish(ctx, "calls/a", doc{N: 2}, opts); !errors.Is(err, core.ErrExists) {
		t.Fatalf("second publish: got %v, want ErrExists", err)
	}
	if err := m.Delete(ctx, "calls/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Publish(ctx, "calls/a", doc{N: 3}, opts); err != nil {
		t.Fatalf("publish after delete: %v", err)
	}
}

func TestMemoryMergeOverlaysTopLevel(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Publish(ctx, "calls/a", map[string]any{"a": 1, "b": 2}, core.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Publish(ctx, "calls/a", map[string]any{"b": 3, "c": 4}, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	var rec recorder
	unsub, _ := m.Subscribe("calls/a", rec.record)
	defer unsub()
	m.Sync()

	var got map[string]int
	if err := json.Unmarshal(rec.all()[0].Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]int{"a": 1, "b": 3, "c": 4}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %s: got %d, want %d (full: %v)", k, got[k], v, got)
		}
	}
}

func TestMemoryChildrenSubscription(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	// Two direct children plus one grandchild that must not match.
	_ = m.Publish(ctx, "calls/s/participants/u1", doc{N: 1}, core.PublishOptions{})
	_ = m.Publish(ctx, "calls/s/participants/u2", doc{N: 2}, core.PublishOptions{})
	_ = m.Publish(ctx, "calls/s/participants/u1/deep", doc{N: 3}, core.PublishOptions{})

	var rec recorder
	unsub, err := m.SubscribeChildren("calls/s/participants", rec.record)
	if err != nil {
		t.Fatalf("subscribe children: %v", err)
	}
	defer unsub()
	m.Sync()

	snaps := rec.all()
	if len(snaps) != 2 {
		t.Fatalf("got %d initial snapshots, want 2: %+v", len(snaps), snaps)
	}
	// Initial replay follows first-write order.
	if snaps[0].Path != "calls/s/participants/u1" || snaps[1].Path != "calls/s/participants/u2" {
		t.Fatalf("wrong order: %s, %s", snaps[0].Path, snaps[1].Path)
	}

	_ = m.Publish(ctx, "calls/s/participants/u3", doc{N: 4}, core.PublishOptions{})
	m.Sync()
	if snaps = rec.all(); len(snaps) != 3 || snaps[2].Path != "calls/s/participants/u3" {
		t.Fatalf("live child publish not delivered: %+v", snaps)
	}
}

func TestMemoryDeliveryOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	var rec recorder
	unsub, _ := m.Subscribe("calls/a", rec.record)
	defer unsub()

	for i := 1; i <= 5; i++ {
		_ = m.Publish(ctx, "calls/a", doc{N: i}, core.PublishOptions{})
	}
	m.Sync()

	snaps := rec.all()
	if len(snaps) != 6 { // initial miss + 5 publishes
		t.Fatalf("got %d snapshots, want 6", len(snaps))
	}
	for i, snap := range snaps[1:] {
		var d doc
		_ = snap.Decode(&d)
		if d.N != i+1 {
			t.Fatalf("snapshot %d out of order: n=%d", i+1, d.N)
		}
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	var rec recorder
	unsub, _ := m.Subscribe("calls/a", rec.record)
	m.Sync()
	unsub()

	_ = m.Publish(ctx, "calls/a", doc{N: 1}, core.PublishOptions{})
	m.Sync()

	if snaps := rec.all(); len(snaps) != 1 {
		t.Fatalf("delivery after unsubscribe: %+v", snaps)
	}
}

func TestMemoryPurge(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_ = m.Publish(ctx, "calls/s", doc{N: 0}, core.PublishOptions{})
	_ = m.Publish(ctx, "calls/s/offerCandidates/c1", doc{N: 1}, core.PublishOptions{})
	_ = m.Publish(ctx, "calls/s/participants/u1", doc{N: 2}, core.PublishOptions{})
	_ = m.Publish(ctx, "calls/other", doc{N: 3}, core.PublishOptions{})

	var rec recorder
	unsub, _ := m.Subscribe("calls/s", rec.record)
	defer unsub()
	m.Sync()

	if err := m.Purge(ctx, "calls/s"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	m.Sync()

	snaps := rec.all()
	last := snaps[len(snaps)-1]
	if last.Exists {
		t.Fatal("purge should deliver a deletion snapshot")
	}

	if err := m.Publish(ctx, "calls/s", doc{N: 9}, core.PublishOptions{IfMissing: true}); err != nil {
		t.Fatalf("slot should be claimable after purge: %v", err)
	}
	// The untouched sibling survives.
	if err := m.Publish(ctx, "calls/other", doc{N: 9}, core.PublishOptions{IfMissing: true}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("sibling was purged: %v", err)
	}
}
