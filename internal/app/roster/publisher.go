package roster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Publisher writes the local participant record with a debounce so
// rapid mic/camera toggles do not turn into a write storm. The last
// state handed to Publish is always eventually written.
type Publisher struct {
	store  core.SignalStore
	path   string
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending *domain.ParticipantRecord
	writing bool
	closed  bool
}

func NewPublisher(store core.SignalStore, slot domain.SlotID, uid domain.UserID, window time.Duration) *Publisher {
	return &Publisher{
		store:  store,
		path:   core.ParticipantPath(slot, uid),
		window: window,
	}
}

// Publish schedules rec for writing. Consecutive calls within the
// debounce window coalesce; only the newest record is written.
func (p *Publisher) Publish(rec domain.ParticipantRecord) {
	rec.UpdatedAt = time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = &rec
	if p.timer == nil && !p.writing {
		p.timer = time.AfterFunc(p.window, p.flush)
	}
}

func (p *Publisher) flush() {
	p.mu.Lock()
	p.timer = nil
	rec := p.pending
	p.pending = nil
	if rec == nil || p.closed {
		p.mu.Unlock()
		return
	}
	p.writing = true
	p.mu.Unlock()

	p.write(*rec)

	p.mu.Lock()
	p.writing = false
	// A toggle that landed mid-write still owes a trailing write.
	if p.pending != nil && p.timer == nil && !p.closed {
		p.timer = time.AfterFunc(p.window, p.flush)
	}
	p.mu.Unlock()
}

func (p *Publisher) write(rec domain.ParticipantRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// No retry on failure: presence converges on the next cycle.
	if err := p.store.Publish(ctx, p.path, rec, core.PublishOptions{}); err != nil {
		log.Error().Err(err).Str("module", "roster").Str("path", p.path).Msg("presence publish failed")
	}
}

// Flush writes any pending record immediately. Used before teardown so
// the final state is on the wire before the record is deleted or
// tombstoned.
func (p *Publisher) Flush() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	rec := p.pending
	p.pending = nil
	p.mu.Unlock()
	if rec != nil {
		p.write(*rec)
	}
}

func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = nil
	p.mu.Unlock()
}
