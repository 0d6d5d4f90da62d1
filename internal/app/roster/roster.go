// Package roster maintains the local view of who is in the call from
// the participant records under a slot, and publishes the local user's
// own record with debounced writes.
package roster

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Reason is why the local user's record left the active state.
type Reason = domain.ParticipantStatus

// Roster watches calls/{slot}/participants/* and keeps the visible
// (active-only, joinedAt-ordered) projection. Callbacks fire on the
// store's delivery goroutine.
type Roster struct {
	slot  domain.SlotID
	self  domain.UserID
	unsub func()

	mu               sync.Mutex
	records          map[domain.UserID]domain.ParticipantRecord
	visible          []domain.ParticipantRecord
	staleSeen        []domain.ParticipantRecord
	selfRemovedFired bool

	onChange      func([]domain.ParticipantRecord)
	onSelfRemoved func(Reason)
	onStale       func([]domain.ParticipantRecord)
}

// Watch subscribes to the slot's participant collection. onChange is
// invoked only when the visible projection structurally changed;
// onSelfRemoved fires at most once, when the local record transitions
// away from active without a local leave. onStale reports the
// non-active records currently on the slot whenever that set changes,
// so a joiner can reap leftovers of ungraceful exits; nil is fine.
func Watch(
	store core.SignalStore,
	slot domain.SlotID,
	self domain.UserID,
	onChange func([]domain.ParticipantRecord),
	onSelfRemoved func(Reason),
	onStale func([]domain.ParticipantRecord),
) (*Roster, error) {
	r := &Roster{
		slot:          slot,
		self:          self,
		records:       make(map[domain.UserID]domain.ParticipantRecord),
		onChange:      onChange,
		onSelfRemoved: onSelfRemoved,
		onStale:       onStale,
	}
	unsub, err := store.SubscribeChildren(core.ParticipantsPath(slot), r.handleSnapshot)
	if err != nil {
		return nil, fmt.Errorf("watch participants: %w", err)
	}
	r.unsub = unsub
	return r, nil
}

func (r *Roster) handleSnapshot(snap core.Snapshot) {
	uid := domain.UserID(snap.Path[strings.LastIndexByte(snap.Path, '/')+1:])

	r.mu.Lock()
	if !snap.Exists {
		delete(r.records, uid)
	} else {
		var rec domain.ParticipantRecord
		if err := snap.Decode(&rec); err != nil {
			r.mu.Unlock()
			log.Error().Err(err).Str("module", "roster").Str("path", snap.Path).Msg("bad participant record")
			return
		}
		if rec.UID == "" {
			rec.UID = uid
		}
		r.records[uid] = rec
	}

	visible := r.projectLocked()
	changed := !equalRecords(r.visible, visible)
	if changed {
		r.visible = visible
	}

	stale := r.staleLocked()
	staleChanged := len(stale) > 0 && !equalRecords(r.staleSeen, stale)
	r.staleSeen = stale

	var removed Reason
	fireRemoved := false
	if rec, ok := r.records[r.self]; ok && !rec.Active() && !r.selfRemovedFired {
		r.selfRemovedFired = true
		fireRemoved = true
		removed = rec.Status
	}
	r.mu.Unlock()

	if changed && r.onChange != nil {
		r.onChange(visible)
	}
	if staleChanged && r.onStale != nil {
		r.onStale(stale)
	}
	if fireRemoved && r.onSelfRemoved != nil {
		log.Info().Str("module", "roster").Str("uid", string(r.self)).Str("reason", string(removed)).Msg("self removed from call")
		r.onSelfRemoved(removed)
	}
}

func (r *Roster) projectLocked() []domain.ParticipantRecord {
	out := make([]domain.ParticipantRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Active() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UID < out[j].UID
	})
	return out
}

func equalRecords(a, b []domain.ParticipantRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Visible returns the current active-only projection.
func (r *Roster) Visible() []domain.ParticipantRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ParticipantRecord, len(r.visible))
	copy(out, r.visible)
	return out
}

// OthersActive counts active participants besides the local user.
// Teardown uses this to decide whether the slot itself should go.
func (r *Roster) OthersActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for uid, rec := range r.records {
		if uid != r.self && rec.Active() {
			n++
		}
	}
	return n
}

// Stale lists non-active records left behind by ungraceful exits, for
// the next joiner to sweep.
func (r *Roster) Stale() []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UserID
	for _, rec := range r.staleLocked() {
		out = append(out, rec.UID)
	}
	return out
}

func (r *Roster) staleLocked() []domain.ParticipantRecord {
	var out []domain.ParticipantRecord
	for uid, rec := range r.records {
		if rec.Active() {
			continue
		}
		if rec.UID == "" {
			rec.UID = uid
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (r *Roster) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}
