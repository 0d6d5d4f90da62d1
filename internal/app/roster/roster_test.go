package roster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const slot = domain.SlotID("ch:0")

func active(uid string, joined time.Time) domain.ParticipantRecord {
	return domain.ParticipantRecord{
		UID:         domain.UserID(uid),
		DisplayName: uid,
		StreamID:    "stream-" + uid,
		Status:      domain.StatusActive,
		JoinedAt:    joined,
	}
}

func publish(t *testing.T, m *store.Memory, rec domain.ParticipantRecord) {
	t.Helper()
	err := m.Publish(context.Background(), core.ParticipantPath(slot, rec.UID), rec, core.PublishOptions{})
	if err != nil {
		t.Fatalf("publish %s: %v", rec.UID, err)
	}
}

func TestRosterVisibleProjection(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	publish(t, m, active("bob", base.Add(time.Minute)))
	publish(t, m, active("alice", base))
	gone := active("carol", base.Add(2*time.Minute))
	gone.Status = domain.StatusLeft
	publish(t, m, gone)

	r, err := Watch(m, slot, "alice", nil, nil, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer r.Close()
	m.Sync()

	vis := r.Visible()
	if len(vis) != 2 {
		t.Fatalf("got %d visible, want 2: %+v", len(vis), vis)
	}
	// JoinedAt order, earliest first.
	if vis[0].UID != "alice" || vis[1].UID != "bob" {
		t.Fatalf("wrong order: %s, %s", vis[0].UID, vis[1].UID)
	}
	if r.OthersActive() != 1 {
		t.Fatalf("OthersActive = %d, want 1", r.OthersActive())
	}
	if stale := r.Stale(); len(stale) != 1 || stale[0] != "carol" {
		t.Fatalf("Stale = %v", stale)
	}
}

func TestRosterOnChangeSuppressed(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	var mu sync.Mutex
	changes := 0
	onChange := func([]domain.ParticipantRecord) {
		mu.Lock()
		changes++
		mu.Unlock()
	}

	r, err := Watch(m, slot, "alice", onChange, nil, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer r.Close()

	rec := active("bob", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	publish(t, m, rec)
	m.Sync()

	// Same structural record, only UpdatedAt differs: no change event.
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	publish(t, m, rec)
	m.Sync()

	rec.HasAudio = true
	publish(t, m, rec)
	m.Sync()

	mu.Lock()
	defer mu.Unlock()
	if changes != 2 {
		t.Fatalf("got %d change callbacks, want 2", changes)
	}
}

func TestRosterSelfRemovedFiresOnce(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	var mu sync.Mutex
	var reasons []Reason
	onRemoved := func(r Reason) {
		mu.Lock()
		reasons = append(reasons, r)
		mu.Unlock()
	}

	r, err := Watch(m, slot, "alice", nil, onRemoved, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer r.Close()

	self := active("alice", time.Now().UTC())
	publish(t, m, self)
	m.Sync()

	self.Status = domain.StatusRemoved
	self.KickedBy = "mod"
	publish(t, m, self)
	m.Sync()

	// Redundant delivery of the tombstone must not refire.
	publish(t, m, self)
	m.Sync()

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != domain.StatusRemoved {
		t.Fatalf("reasons = %v, want exactly one removed", reasons)
	}
}

func TestRosterStaleCallback(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gone := active("carol", base)
	gone.Status = domain.StatusLeft
	publish(t, m, gone)

	var mu sync.Mutex
	var calls [][]domain.ParticipantRecord
	onStale := func(recs []domain.ParticipantRecord) {
		mu.Lock()
		calls = append(calls, recs)
		mu.Unlock()
	}

	r, err := Watch(m, slot, "alice", nil, nil, onStale)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer r.Close()
	m.Sync()

	mu.Lock()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0].UID != "carol" {
		mu.Unlock()
		t.Fatalf("stale calls = %+v, want one with carol", calls)
	}
	mu.Unlock()

	// An active record joining must not refire with the same stale set.
	publish(t, m, active("bob", base.Add(time.Minute)))
	m.Sync()

	// A second tombstone extends the set and fires again.
	gone2 := active("dave", base.Add(2*time.Minute))
	gone2.Status = domain.StatusRemoved
	publish(t, m, gone2)
	m.Sync()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("got %d stale callbacks, want 2", len(calls))
	}
	if len(calls[1]) != 2 || calls[1][0].UID != "carol" || calls[1][1].UID != "dave" {
		t.Fatalf("second stale set = %+v", calls[1])
	}
}

func TestRosterRecordDeletion(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	r, err := Watch(m, slot, "alice", nil, nil, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer r.Close()

	publish(t, m, active("bob", time.Now().UTC()))
	m.Sync()
	if len(r.Visible()) != 1 {
		t.Fatal("bob should be visible")
	}

	if err := m.Delete(context.Background(), core.ParticipantPath(slot, "bob")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	m.Sync()
	if len(r.Visible()) != 0 {
		t.Fatal("deleted record should drop out of the projection")
	}
}
