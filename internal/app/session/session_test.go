package session

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/Huddle/internal/adapters/store"
	"github.com/dkeye/Huddle/internal/app/media"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/mock"
	"github.com/dkeye/Huddle/internal/domain"
)

const slot = domain.SlotID("ch:0")

type fixture struct {
	store  *store.Memory
	engine *mock.Engine
	tracks *media.Manager
	self   *domain.User

	mu      sync.Mutex
	phases  []Phase
	remotes []core.RemoteTrack
	ended   bool
}

func newFixture(t *testing.T, uid string) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		engine: mock.NewEngine(mock.NewDevices()),
		self:   &domain.User{UID: domain.UserID(uid), DisplayName: uid},
	}
	f.tracks = media.NewManager(f.engine.Devices(), "stream-"+uid, nil)
	t.Cleanup(f.store.Close)
	return f
}

func (f *fixture) events() Events {
	return Events{
		OnPhase: func(p Phase) {
			f.mu.Lock()
			f.phases = append(f.phases, p)
			f.mu.Unlock()
		},
		OnRemoteTrack: func(tr core.RemoteTrack) {
			f.mu.Lock()
			f.remotes = append(f.remotes, tr)
			f.mu.Unlock()
		},
		OnRemoteEnded: func() {
			f.mu.Lock()
			f.ended = true
			f.mu.Unlock()
		},
	}
}

func (f *fixture) remoteEnded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fixture) readSlotDoc(t *testing.T) (domain.CallSlot, bool) {
	t.Helper()
	type result struct {
		doc    domain.CallSlot
		exists bool
	}
	ch := make(chan result, 1)
	var once sync.Once
	unsub, err := f.store.Subscribe(core.SlotPath(slot), func(snap core.Snapshot) {
		once.Do(func() {
			var doc domain.CallSlot
			if snap.Exists {
				_ = snap.Decode(&doc)
			}
			ch <- result{doc, snap.Exists}
		})
	})
	if err != nil {
		t.Fatalf("subscribe slot: %v", err)
	}
	defer unsub()
	f.store.Sync()
	r := <-ch
	return r.doc, r.exists
}

func TestCallerClaimsEmptySlot(t *testing.T) {
	f := newFixture(t, "alice")

	sess, err := Start(context.Background(), f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	if sess.Role() != RoleCaller {
		t.Fatalf("role = %s, want caller", sess.Role())
	}
	if sess.Phase() != PhaseAwaitingAnswer {
		t.Fatalf("phase = %s, want awaiting_answer", sess.Phase())
	}

	doc, exists := f.readSlotDoc(t)
	if !exists || !doc.HasOffer() {
		t.Fatalf("slot doc = %+v, exists = %v", doc, exists)
	}
	if doc.CreatedBy != "alice" {
		t.Fatalf("createdBy = %s", doc.CreatedBy)
	}
	if doc.HasAnswer() {
		t.Fatal("fresh claim must not carry an answer")
	}
}

func TestAnswererJoinsExistingOffer(t *testing.T) {
	f := newFixture(t, "bob")
	ctx := context.Background()

	claim := domain.CallSlot{
		Offer:     domain.SessionDescription{Type: "offer", SDP: "remote-sdp"},
		CreatedBy: "alice",
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), claim, core.PublishOptions{}); err != nil {
		t.Fatalf("seed slot: %v", err)
	}

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	if sess.Role() != RoleAnswerer {
		t.Fatalf("role = %s, want answerer", sess.Role())
	}

	doc, _ := f.readSlotDoc(t)
	if !doc.HasAnswer() || doc.AnsweredBy != "bob" {
		t.Fatalf("slot doc = %+v", doc)
	}
	// The offer survives the merge.
	if doc.Offer.SDP != "remote-sdp" {
		t.Fatalf("offer lost in merge: %+v", doc.Offer)
	}
	if !f.engine.LastConn().HasRemoteDescription() {
		t.Fatal("remote offer not applied")
	}
}

// raceStore makes the first conditional claim lose: a competitor's
// offer lands and the claim comes back ErrExists.
type raceStore struct {
	core.SignalStore
	mu          sync.Mutex
	intercepted bool
	competitor  domain.CallSlot
}

func (r *raceStore) Publish(ctx context.Context, path string, doc any, opts core.PublishOptions) error {
	if opts.IfMissing {
		r.mu.Lock()
		first := !r.intercepted
		r.intercepted = true
		r.mu.Unlock()
		if first {
			if err := r.SignalStore.Publish(ctx, path, r.competitor, core.PublishOptions{}); err != nil {
				return err
			}
			return core.ErrExists
		}
	}
	return r.SignalStore.Publish(ctx, path, doc, opts)
}

func TestClaimRaceLoserBecomesAnswerer(t *testing.T) {
	f := newFixture(t, "bob")
	rs := &raceStore{
		SignalStore: f.store,
		competitor: domain.CallSlot{
			Offer:     domain.SessionDescription{Type: "offer", SDP: "winner-sdp"},
			CreatedBy: "alice",
		},
	}

	sess, err := Start(context.Background(), rs, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	if sess.Role() != RoleAnswerer {
		t.Fatalf("role = %s, want answerer after lost race", sess.Role())
	}
	doc, _ := f.readSlotDoc(t)
	if doc.Offer.SDP != "winner-sdp" {
		t.Fatalf("offer = %+v, the winner's claim must stand", doc.Offer)
	}
	if !doc.HasAnswer() {
		t.Fatal("loser should have answered the winner's offer")
	}
	// The losing caller connection is gone; only the answerer one lives.
	conns := f.engine.Conns()
	if len(conns) != 2 {
		t.Fatalf("conns = %d, want 2", len(conns))
	}
	if !conns[0].Closed() || conns[1].Closed() {
		t.Fatal("caller conn should be closed, answerer conn open")
	}
}

func TestStaleOwnClaimIsCleared(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	stale := domain.CallSlot{
		Offer:     domain.SessionDescription{Type: "offer", SDP: "stale-sdp"},
		CreatedBy: "alice",
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), stale, core.PublishOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	if sess.Role() != RoleCaller {
		t.Fatalf("role = %s, want caller on own stale claim", sess.Role())
	}
	doc, _ := f.readSlotDoc(t)
	if doc.Offer.SDP == "stale-sdp" {
		t.Fatal("stale offer survived")
	}
}

func TestCallerAppliesAnswerOnce(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	patch := map[string]any{
		"answer":     domain.SessionDescription{Type: "answer", SDP: "bob-sdp"},
		"answeredBy": "bob",
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), patch, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	f.store.Sync()

	conn := f.engine.LastConn()
	if !conn.HasRemoteDescription() {
		t.Fatal("answer not applied")
	}

	// Redundant snapshot of the same document must not re-apply.
	if err := f.store.Publish(ctx, core.SlotPath(slot), map[string]any{"answeredBy": "bob"}, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("republish: %v", err)
	}
	f.store.Sync()
	if got := conn.Applied(); len(got) != 1 {
		t.Fatalf("answer applied %d times, want 1", len(got))
	}
}

func TestCallerRelaysRestartOffer(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	patch := map[string]any{
		"answer":     domain.SessionDescription{Type: "answer", SDP: "bob-sdp"},
		"answeredBy": "bob",
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), patch, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	f.store.Sync()

	conn := f.engine.LastConn()
	conn.EmitState(core.TransportConnected)
	conn.EmitState(core.TransportDisconnected)
	f.store.Sync()

	if conn.Restarts() != 1 {
		t.Fatalf("restarts = %d, want 1", conn.Restarts())
	}
	doc, _ := f.readSlotDoc(t)
	if doc.Offer.SDP != "sdp-restart-1" {
		t.Fatalf("offer = %+v, want the relayed restart offer", doc.Offer)
	}
	if doc.HasAnswer() {
		t.Fatal("restart must clear the answer so the peer answers again")
	}
	if doc.RestartedAt.IsZero() {
		t.Fatal("restartedAt not stamped")
	}

	// The peer's fresh answer goes through despite the earlier one.
	patch = map[string]any{
		"answer":     domain.SessionDescription{Type: "answer", SDP: "bob-sdp-2"},
		"answeredBy": "bob",
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), patch, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("publish fresh answer: %v", err)
	}
	f.store.Sync()
	got := conn.Applied()
	if len(got) != 2 || got[1].SDP != "bob-sdp-2" {
		t.Fatalf("applied answers = %+v, want the restart answer on top", got)
	}
}

func TestAnswererReanswersRestartOffer(t *testing.T) {
	f := newFixture(t, "bob")
	ctx := context.Background()

	claim := domain.CallSlot{
		Offer:     domain.SessionDescription{Type: "offer", SDP: "remote-sdp"},
		CreatedBy: "alice",
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), claim, core.PublishOptions{}); err != nil {
		t.Fatalf("seed slot: %v", err)
	}

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	// The caller restarts: replacement offer, answer cleared.
	patch := map[string]any{
		"offer":  domain.SessionDescription{Type: "offer", SDP: "restart-sdp"},
		"answer": nil,
	}
	if err := f.store.Publish(ctx, core.SlotPath(slot), patch, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("publish restart: %v", err)
	}
	f.store.Sync()

	doc, _ := f.readSlotDoc(t)
	if doc.Answer.SDP != "sdp-answer-2" || doc.AnsweredBy != "bob" {
		t.Fatalf("slot doc = %+v, want a fresh answer from bob", doc)
	}

	// Redundant delivery of the same restart offer must not answer again.
	if err := f.store.Publish(ctx, core.SlotPath(slot), map[string]any{"answer": nil}, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("republish: %v", err)
	}
	f.store.Sync()
	doc, _ = f.readSlotDoc(t)
	if doc.HasAnswer() {
		t.Fatalf("already-answered offer re-answered: %+v", doc.Answer)
	}
}

func TestRemoteCandidatesBufferedUntilAnswer(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()
	conn := f.engine.LastConn()

	mid := "0"
	for i, c := range []string{"cand-1", "cand-2"} {
		path := core.AnswerCandidatesPath(slot) + "/" + string(rune('a'+i))
		err := f.store.Publish(ctx, path, domain.Candidate{Candidate: c, SDPMid: &mid}, core.PublishOptions{})
		if err != nil {
			t.Fatalf("publish candidate: %v", err)
		}
	}
	f.store.Sync()

	if got := conn.RemoteCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %+v", got)
	}

	patch := map[string]any{"answer": domain.SessionDescription{Type: "answer", SDP: "bob-sdp"}}
	if err := f.store.Publish(ctx, core.SlotPath(slot), patch, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	f.store.Sync()

	got := conn.RemoteCandidates()
	if len(got) != 2 || got[0].Candidate != "cand-1" || got[1].Candidate != "cand-2" {
		t.Fatalf("buffered candidates not flushed in order: %+v", got)
	}

	// Post-answer candidates flow straight through.
	err = f.store.Publish(ctx, core.AnswerCandidatesPath(slot)+"/c", domain.Candidate{Candidate: "cand-3"}, core.PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.store.Sync()
	if got = conn.RemoteCandidates(); len(got) != 3 {
		t.Fatalf("live candidate not applied: %+v", got)
	}
}

func TestLocalCandidatesPublished(t *testing.T) {
	f := newFixture(t, "alice")

	sess, err := Start(context.Background(), f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	var mu sync.Mutex
	var cands []domain.Candidate
	unsub, err := f.store.SubscribeChildren(core.OfferCandidatesPath(slot), func(snap core.Snapshot) {
		if !snap.Exists {
			return
		}
		var c domain.Candidate
		_ = snap.Decode(&c)
		mu.Lock()
		cands = append(cands, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	conn := f.engine.LastConn()
	conn.EmitCandidate(domain.Candidate{Candidate: "local-1"})
	conn.EmitCandidate(domain.Candidate{Candidate: "local-2"})
	f.store.Sync()

	mu.Lock()
	defer mu.Unlock()
	if len(cands) != 2 || cands[0].Candidate != "local-1" || cands[1].Candidate != "local-2" {
		t.Fatalf("published candidates = %+v", cands)
	}
}

func TestRemoteSlotDeletionEndsSession(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()

	if err := f.store.Delete(ctx, core.SlotPath(slot)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.store.Sync()

	if !f.remoteEnded() {
		t.Fatal("slot deletion should raise OnRemoteEnded")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if err := f.tracks.EnableMic(ctx); err != nil {
		t.Fatalf("mic: %v", err)
	}

	sess, err := Start(ctx, f.store, f.engine, f.tracks, slot, f.self, f.events())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sess.Close()
	sess.Close() // idempotent

	conn := f.engine.LastConn()
	if !conn.Closed() {
		t.Fatal("connection not closed")
	}
	if f.tracks.Flags().Mic {
		t.Fatal("local tracks not released")
	}
	if sess.Phase() != PhaseClosed {
		t.Fatalf("phase = %s", sess.Phase())
	}

	// Store events after close must not resurrect anything.
	patch := map[string]any{"answer": domain.SessionDescription{Type: "answer", SDP: "late"}}
	if err := f.store.Publish(ctx, core.SlotPath(slot), patch, core.PublishOptions{Merge: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.store.Sync()
	if conn.HasRemoteDescription() {
		t.Fatal("late answer applied after close")
	}
}
