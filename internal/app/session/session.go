// Package session implements the peer session state machine: the
// lifecycle of exactly one logical call on one slot, from role
// decision through negotiation, candidate relay and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/media"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const readTimeout = 10 * time.Second

var errSlotRead = errors.New("slot read timed out")

// Events are raised on store or engine goroutines; the supervisor
// re-serializes them onto its own queue.
type Events struct {
	OnPhase       func(Phase)
	OnTransport   func(core.TransportState)
	OnRemoteTrack func(core.RemoteTrack)
	// OnRemoteEnded fires when the slot document disappears under us.
	OnRemoteEnded func()
}

// Session owns one MediaConnection and every store subscription of one
// call attempt. It is built by Start and dies in Close; it is never
// reused across calls.
type Session struct {
	slot   domain.SlotID
	self   *domain.User
	store  core.SignalStore
	engine core.MediaEngine
	tracks *media.Manager
	events Events
	logger zerolog.Logger

	mu            sync.Mutex
	phase         Phase
	role          Role
	conn          core.MediaConnection
	unsubs        []func()
	localPending  []domain.Candidate
	localCandPath string
	remoteBuf     []domain.Candidate
	remoteReady   bool
	appliedSDP    string
	answeredSDP   string
	closed        bool
}

// Start negotiates a session on the channel's slot. The role falls out
// of the slot state: no offer means caller, an existing offer means
// answerer. Losing the caller claim race degrades to the answerer path
// as a normal outcome. A publish failure during negotiation is fatal
// for the attempt and returned here.
func Start(
	ctx context.Context,
	store core.SignalStore,
	engine core.MediaEngine,
	tracks *media.Manager,
	slot domain.SlotID,
	self *domain.User,
	events Events,
) (*Session, error) {
	s := &Session{
		slot:   slot,
		self:   self,
		store:  store,
		engine: engine,
		tracks: tracks,
		events: events,
		phase:  PhaseIdle,
		logger: log.With().Str("module", "session").Str("slot", string(slot)).Logger(),
	}

	slotDoc, err := s.readSlot(ctx)
	if err != nil {
		return nil, err
	}

	// An offer of our own making is a leftover from a previous attempt
	// (renegotiation, crash recovery). Clear it and claim fresh; if the
	// peer claims first in the meantime, the ErrExists path below picks
	// their offer up.
	if slotDoc.HasOffer() && slotDoc.CreatedBy == self.UID {
		s.logger.Info().Msg("clearing stale own claim")
		if err := store.Delete(ctx, core.SlotPath(slot)); err != nil {
			return nil, fmt.Errorf("clear stale claim: %w", err)
		}
		slotDoc = domain.CallSlot{}
	}

	if !slotDoc.HasOffer() {
		err = s.startCaller(ctx)
		if errors.Is(err, core.ErrExists) {
			// Lost the claim race: someone else's offer landed first.
			// Drop the caller connection and start over as answerer.
			s.logger.Info().Msg("slot claim lost, joining as answerer")
			s.dropConn()
			slotDoc, err = s.readSlot(ctx)
			if err != nil {
				return nil, err
			}
			err = s.startAnswerer(ctx, slotDoc.Offer)
		}
	} else {
		err = s.startAnswerer(ctx, slotDoc.Offer)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// readSlot does a one-shot read through the subscription primitive,
// which delivers the current state as its initial snapshot.
func (s *Session) readSlot(ctx context.Context) (domain.CallSlot, error) {
	ch := make(chan core.Snapshot, 1)
	var once sync.Once
	unsub, err := s.store.Subscribe(core.SlotPath(s.slot), func(snap core.Snapshot) {
		once.Do(func() { ch <- snap })
	})
	if err != nil {
		return domain.CallSlot{}, fmt.Errorf("read slot: %w", err)
	}
	defer unsub()

	select {
	case snap := <-ch:
		var doc domain.CallSlot
		if snap.Exists {
			if err := snap.Decode(&doc); err != nil {
				return domain.CallSlot{}, fmt.Errorf("decode slot: %w", err)
			}
		}
		return doc, nil
	case <-time.After(readTimeout):
		return domain.CallSlot{}, errSlotRead
	case <-ctx.Done():
		return domain.CallSlot{}, ctx.Err()
	}
}

// buildConn creates the connection and wires engine callbacks. Local
// candidates are buffered until the candidate sink opens, so nothing
// is published before the slot is claimed and stale collections are
// purged.
func (s *Session) buildConn() error {
	conn, err := s.engine.NewConnection()
	if err != nil {
		return fmt.Errorf("new media connection: %w", err)
	}
	conn.OnLocalCandidate(s.handleLocalCandidate)
	conn.OnTrack(func(t core.RemoteTrack) {
		if s.events.OnRemoteTrack != nil {
			s.events.OnRemoteTrack(t)
		}
	})
	conn.OnStateChange(s.handleTransport)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.tracks.Attach(conn); err != nil {
		return err
	}
	return nil
}

func (s *Session) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.localPending = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) startCaller(ctx context.Context) error {
	if err := s.buildConn(); err != nil {
		return err
	}
	offer, err := s.conn.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	claim := domain.CallSlot{
		Offer:     offer,
		CreatedAt: time.Now().UTC(),
		CreatedBy: s.self.UID,
	}
	if err := s.store.Publish(ctx, core.SlotPath(s.slot), claim, core.PublishOptions{IfMissing: true}); err != nil {
		return err
	}
	s.setRole(RoleCaller)
	s.logger.Info().Str("role", "caller").Msg("slot claimed")

	// The slot is ours: sweep candidate leftovers of the previous call
	// before any candidate traffic. Participant records stay put; a
	// racing answerer may already have written its own, and stale ones
	// are the roster's to reap.
	for _, prefix := range []string{
		core.OfferCandidatesPath(s.slot),
		core.AnswerCandidatesPath(s.slot),
	} {
		if err := s.store.Purge(ctx, prefix); err != nil {
			return fmt.Errorf("purge %s: %w", prefix, err)
		}
	}

	s.openCandidateSink(core.OfferCandidatesPath(s.slot))

	if err := s.watchSlot(true); err != nil {
		return err
	}
	if err := s.watchCandidates(core.AnswerCandidatesPath(s.slot)); err != nil {
		return err
	}
	s.setPhase(PhaseAwaitingAnswer)
	return nil
}

func (s *Session) startAnswerer(ctx context.Context, offer domain.SessionDescription) error {
	if err := s.buildConn(); err != nil {
		return err
	}
	s.setRole(RoleAnswerer)
	s.setPhase(PhaseNegotiating)

	answer, err := s.conn.CreateAnswer(ctx, offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	s.mu.Lock()
	s.answeredSDP = offer.SDP
	s.mu.Unlock()
	s.markRemoteReady()

	patch := map[string]any{
		"answer":     answer,
		"answeredAt": time.Now().UTC(),
		"answeredBy": s.self.UID,
	}
	if err := s.store.Publish(ctx, core.SlotPath(s.slot), patch, core.PublishOptions{Merge: true}); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	s.logger.Info().Str("role", "answerer").Msg("answer published")

	s.openCandidateSink(core.AnswerCandidatesPath(s.slot))

	if err := s.watchSlot(false); err != nil {
		return err
	}
	return s.watchCandidates(core.OfferCandidatesPath(s.slot))
}

// watchSlot follows the slot document: the caller waits on answers,
// the answerer on replacement offers from an ICE restart, and both on
// deletion, the remote end-of-call signal.
func (s *Session) watchSlot(asCaller bool) error {
	unsub, err := s.store.Subscribe(core.SlotPath(s.slot), func(snap core.Snapshot) {
		if !snap.Exists {
			s.logger.Info().Msg("slot deleted remotely")
			if s.events.OnRemoteEnded != nil {
				s.events.OnRemoteEnded()
			}
			return
		}
		var doc domain.CallSlot
		if err := snap.Decode(&doc); err != nil {
			s.logger.Error().Err(err).Msg("bad slot snapshot")
			return
		}
		if asCaller {
			if doc.HasAnswer() {
				s.applyAnswer(doc.Answer)
			}
			return
		}
		// A fresh offer with the answer cleared is the caller restarting
		// ICE in place; answer it again on the live connection.
		if doc.HasOffer() && !doc.HasAnswer() && doc.CreatedBy != s.self.UID {
			s.reanswer(doc.Offer)
		}
	})
	if err != nil {
		return fmt.Errorf("watch slot: %w", err)
	}
	s.addUnsub(unsub)
	return nil
}

// applyAnswer is idempotent per answer: duplicate snapshot delivery of
// the same document is expected, while a renegotiated answer after an
// ICE restart must go through.
func (s *Session) applyAnswer(ans domain.SessionDescription) {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	seen := s.appliedSDP
	s.mu.Unlock()
	if closed || conn == nil || ans.SDP == seen {
		return
	}
	if err := conn.ApplyAnswer(ans); err != nil {
		s.logger.Error().Err(err).Msg("apply answer")
		return
	}
	s.mu.Lock()
	s.appliedSDP = ans.SDP
	s.mu.Unlock()
	s.logger.Info().Msg("answer applied")
	s.setPhase(PhaseNegotiating)
	s.markRemoteReady()
}

// reanswer handles a restart offer: same connection, fresh SDP round.
func (s *Session) reanswer(offer domain.SessionDescription) {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	seen := s.answeredSDP
	s.mu.Unlock()
	if closed || conn == nil || offer.SDP == seen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := conn.CreateAnswer(ctx, offer)
	if err != nil {
		s.logger.Error().Err(err).Msg("answer restart offer")
		return
	}
	s.mu.Lock()
	s.answeredSDP = offer.SDP
	s.mu.Unlock()
	patch := map[string]any{
		"answer":     answer,
		"answeredAt": time.Now().UTC(),
		"answeredBy": s.self.UID,
	}
	if err := s.store.Publish(ctx, core.SlotPath(s.slot), patch, core.PublishOptions{Merge: true}); err != nil {
		s.logger.Error().Err(err).Msg("publish restart answer")
		return
	}
	s.logger.Info().Msg("restart offer answered")
}

// markRemoteReady flushes candidates observed before the remote
// description was in place, in arrival order.
func (s *Session) markRemoteReady() {
	s.mu.Lock()
	s.remoteReady = true
	buf := s.remoteBuf
	s.remoteBuf = nil
	conn := s.conn
	s.mu.Unlock()
	for _, c := range buf {
		if err := conn.AddRemoteCandidate(c); err != nil {
			s.logger.Error().Err(err).Msg("add buffered candidate")
		}
	}
}

func (s *Session) watchCandidates(prefix string) error {
	unsub, err := s.store.SubscribeChildren(prefix, func(snap core.Snapshot) {
		if !snap.Exists {
			return
		}
		var cand domain.Candidate
		if err := snap.Decode(&cand); err != nil {
			s.logger.Error().Err(err).Str("path", snap.Path).Msg("bad candidate")
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !s.remoteReady {
			s.remoteBuf = append(s.remoteBuf, cand)
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.mu.Unlock()
		if err := conn.AddRemoteCandidate(cand); err != nil {
			s.logger.Error().Err(err).Msg("add remote candidate")
		}
	})
	if err != nil {
		return fmt.Errorf("watch candidates: %w", err)
	}
	s.addUnsub(unsub)
	return nil
}

// openCandidateSink starts publishing local candidates to path and
// flushes any gathered while negotiation was still deciding roles.
func (s *Session) openCandidateSink(path string) {
	s.mu.Lock()
	s.localCandPath = path
	buf := s.localPending
	s.localPending = nil
	s.mu.Unlock()
	for _, c := range buf {
		s.publishCandidate(path, c)
	}
}

func (s *Session) handleLocalCandidate(c domain.Candidate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	path := s.localCandPath
	if path == "" {
		s.localPending = append(s.localPending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.publishCandidate(path, c)
}

func (s *Session) publishCandidate(prefix string, c domain.Candidate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := prefix + "/" + uuid.NewString()
	if err := s.store.Publish(ctx, path, c, core.PublishOptions{}); err != nil {
		// Candidate loss is survivable; the pair may still connect on
		// remaining candidates.
		s.logger.Error().Err(err).Msg("publish candidate")
	}
}

func (s *Session) handleTransport(st core.TransportState) {
	s.mu.Lock()
	closed := s.closed
	phase := s.phase
	conn := s.conn
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.Info().Str("transport", st.String()).Str("phase", phase.String()).Msg("transport state")

	switch st {
	case core.TransportConnected:
		s.setPhase(PhaseConnected)
	case core.TransportDisconnected:
		if phase == PhaseConnected {
			s.setPhase(PhaseReconnecting)
			// In-place restart first; the supervisor escalates to a
			// full renegotiation if the interruption outlives its
			// bounded wait. Only the offer author restarts, the other
			// side waits for the replacement offer.
			if s.Role() == RoleCaller {
				s.publishRestartOffer(conn)
			}
		}
	}
	if s.events.OnTransport != nil {
		s.events.OnTransport(st)
	}
}

// publishRestartOffer replaces the slot's SDP pair with a restart
// offer. Clearing the answer makes the peer answer again; the stale
// answer guard is reset so the fresh one gets applied.
func (s *Session) publishRestartOffer(conn core.MediaConnection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offer, err := conn.RestartICE(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("ice restart")
		return
	}
	s.mu.Lock()
	s.appliedSDP = ""
	s.mu.Unlock()
	patch := map[string]any{
		"offer":       offer,
		"answer":      nil,
		"restartedAt": time.Now().UTC(),
	}
	if err := s.store.Publish(ctx, core.SlotPath(s.slot), patch, core.PublishOptions{Merge: true}); err != nil {
		s.logger.Error().Err(err).Msg("publish restart offer")
		return
	}
	s.logger.Info().Msg("restart offer published")
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	if s.closed || s.phase == p {
		s.mu.Unlock()
		return
	}
	s.phase = p
	s.mu.Unlock()
	if s.events.OnPhase != nil {
		s.events.OnPhase(p)
	}
}

func (s *Session) setRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

func (s *Session) addUnsub(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		fn()
		return
	}
	s.unsubs = append(s.unsubs, fn)
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Close is the single teardown path: every subscription dropped, every
// local track stopped, the connection released. Idempotent, safe from
// any state. Presence and slot cleanup stay with the supervisor, which
// knows whether the whole call is over.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.phase = PhaseClosed
	unsubs := s.unsubs
	s.unsubs = nil
	conn := s.conn
	s.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	s.tracks.ReleaseAll()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close connection")
		}
	}
	s.logger.Info().Msg("session closed")
	if s.events.OnPhase != nil {
		s.events.OnPhase(PhaseClosed)
	}
}
