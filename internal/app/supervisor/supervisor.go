// Package supervisor is the top-level call controller. It serializes
// every intent (UI calls, store events, engine events, timers) onto a
// single run loop, owns at most one peer session at a time, and drives
// the reconnection policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/controls"
	"github.com/dkeye/Huddle/internal/app/media"
	"github.com/dkeye/Huddle/internal/app/roster"
	"github.com/dkeye/Huddle/internal/app/session"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

var (
	ErrNotInCall     = errors.New("not in a call")
	ErrAlreadyInCall = errors.New("already in a call")
	ErrNoUser        = errors.New("nobody is signed in")
	ErrNotModerator  = errors.New("not a moderator of this channel")
	ErrClosed        = errors.New("supervisor closed")
)

// Status strings surfaced to the display layer.
const (
	StatusConnecting   = "Connecting…"
	StatusWaiting      = "Waiting for others to join…"
	StatusInCall       = "In call"
	StatusReconnecting   = "Connection interrupted. Reconnecting…"
	StatusRemoved        = "You were removed from this call by a moderator."
	StatusConnectionLost = "Connection lost."
)

type Config struct {
	// ReconnectDelay bounds how long an interrupted transport may try
	// to recover in place before a full renegotiation.
	ReconnectDelay time.Duration
	// PresenceDebounce batches rapid presence updates.
	PresenceDebounce time.Duration
	// MaxReconnectAttempts caps consecutive renegotiations; past it the
	// call ends instead of rebuilding forever. Successful reconnection
	// resets the count.
	MaxReconnectAttempts int
}

// State is the observable snapshot pushed to the display layer.
type State struct {
	Phase        session.Phase              `json:"phase"`
	Channel      domain.ChannelID           `json:"channel,omitempty"`
	Roster       []domain.ParticipantRecord `json:"roster"`
	Media        media.Flags                `json:"media"`
	RemoteTracks []core.RemoteTrack         `json:"remoteTracks"`
	Tiles        []roster.Tile              `json:"tiles"`
	Status       string                     `json:"status"`
	Moderator    bool                       `json:"moderator"`
}

// Supervisor fields below the queue are loop-owned: they are only
// touched from the run goroutine.
type Supervisor struct {
	cfg      Config
	store    core.SignalStore
	engine   core.MediaEngine
	identity core.Identity
	controls *controls.Store

	queue chan func()
	done  chan struct{}
	stop  sync.Once

	channel      domain.ChannelID
	slot         domain.SlotID
	self         *domain.User
	sess         *session.Session
	sessGen      int
	tracks       *media.Manager
	rost         *roster.Roster
	pub          *roster.Publisher
	joinedAt     time.Time
	visible      []domain.ParticipantRecord
	remoteTracks []core.RemoteTrack
	reconnect    *time.Timer
	attempts     int
	memberStop   func()
	phase        session.Phase
	status       string

	watchMu  sync.Mutex
	watchers map[int]chan State
	watchID  int
}

func New(cfg Config, store core.SignalStore, engine core.MediaEngine, identity core.Identity, ctl *controls.Store) *Supervisor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.PresenceDebounce <= 0 {
		cfg.PresenceDebounce = 250 * time.Millisecond
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		identity: identity,
		controls: ctl,
		queue:    make(chan func(), 64),
		done:     make(chan struct{}),
		watchers: make(map[int]chan State),
		phase:    session.PhaseIdle,
	}
	go s.run()
	return s
}

func (s *Supervisor) run() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.done:
			return
		}
	}
}

// post queues fn onto the run loop; drops it once the supervisor is
// shut down.
func (s *Supervisor) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for it, so intents observe a
// consistent view and overlapping triggers cannot race.
func (s *Supervisor) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.queue <- func() { reply <- fn() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Join starts or switches to a call on the channel.
func (s *Supervisor) Join(ctx context.Context, ch domain.ChannelID) error {
	return s.call(func() error { return s.join(ctx, ch) })
}

func (s *Supervisor) join(ctx context.Context, ch domain.ChannelID) error {
	if s.sess != nil {
		if s.channel == ch {
			return nil
		}
		return ErrAlreadyInCall
	}
	self := s.identity.CurrentUser()
	if self == nil {
		return ErrNoUser
	}

	s.channel = ch
	s.slot = domain.SlotFor(ch)
	s.self = self
	s.joinedAt = time.Now().UTC()
	s.setStatus(session.PhaseNegotiating, StatusConnecting)

	if s.tracks == nil {
		s.tracks = media.NewManager(s.engine.Devices(), uuid.NewString(), s.onMediaChange)
	}
	s.pub = roster.NewPublisher(s.store, s.slot, self.UID, s.cfg.PresenceDebounce)

	rost, err := roster.Watch(s.store, s.slot, self.UID, s.onRoster, s.onSelfRemoved, s.onStale)
	if err != nil {
		s.cleanupJoin()
		return fmt.Errorf("join: %w", err)
	}
	s.rost = rost
	s.watchMembership(ch)

	if err := s.startSession(ctx); err != nil {
		s.cleanupJoin()
		s.setStatus(session.PhaseIdle, "Could not join the call")
		return err
	}

	// Presence goes out immediately on join; later toggles ride the
	// debounce.
	s.pub.Publish(s.selfRecord())
	s.pub.Flush()

	log.Info().Str("module", "supervisor").Str("channel", string(ch)).Msg("joined call")
	return nil
}

// startSession builds a session for the current slot, wiring its
// events back onto the loop. Events from a torn-down generation are
// discarded on arrival.
func (s *Supervisor) startSession(ctx context.Context) error {
	s.sessGen++
	gen := s.sessGen
	guard := func(fn func()) func() {
		return func() {
			if gen == s.sessGen {
				fn()
			}
		}
	}
	events := session.Events{
		OnPhase: func(p session.Phase) {
			s.post(guard(func() { s.onPhase(p) }))
		},
		OnTransport: func(st core.TransportState) {
			s.post(guard(func() { s.onTransport(st) }))
		},
		OnRemoteTrack: func(t core.RemoteTrack) {
			s.post(guard(func() {
				s.remoteTracks = append(s.remoteTracks, t)
				s.broadcast()
			}))
		},
		OnRemoteEnded: func() {
			s.post(guard(func() { s.onRemoteEnded() }))
		},
	}

	sess, err := session.Start(ctx, s.store, s.engine, s.tracks, s.slot, s.self, events)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.sess = sess
	return nil
}

// Leave exits the current call. A no-op when idle.
func (s *Supervisor) Leave() error {
	return s.call(func() error {
		if s.sess == nil {
			return nil
		}
		s.teardown(true, "")
		return nil
	})
}

// onRemoteEnded reacts to the slot document vanishing. The peer
// deletes it both when the call is over and when it rebuilds the
// negotiation from scratch; the roster tells the two apart. The
// rebuild path funnels through renegotiate, so a peer stuck in a
// delete loop runs into the attempt cap instead of ping-ponging.
func (s *Supervisor) onRemoteEnded() {
	if s.sess == nil {
		return
	}
	if s.rost != nil && s.rost.OthersActive() == 0 {
		s.teardown(true, "")
		return
	}
	s.renegotiate()
}

func (s *Supervisor) onPhase(p session.Phase) {
	switch p {
	case session.PhaseConnected:
		s.attempts = 0
		s.cancelReconnect()
		if len(s.rosterOthers()) == 0 {
			s.setStatus(p, StatusWaiting)
		} else {
			s.setStatus(p, StatusInCall)
		}
	case session.PhaseReconnecting:
		s.setStatus(p, StatusReconnecting)
	case session.PhaseClosed:
		// Teardown owns the final status.
	default:
		s.setStatus(p, StatusConnecting)
	}
}

// onTransport implements the two reconnect severities: a fixed-delay
// timer for an interruption, immediate renegotiation for failure.
// A single timer is outstanding at most.
func (s *Supervisor) onTransport(st core.TransportState) {
	switch st {
	case core.TransportConnected:
		s.cancelReconnect()
	case core.TransportDisconnected:
		if s.reconnect != nil {
			return
		}
		gen := s.sessGen
		s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, func() {
			s.post(func() {
				if gen != s.sessGen {
					return
				}
				s.reconnect = nil
				s.renegotiate()
			})
		})
	case core.TransportFailed:
		s.cancelReconnect()
		s.renegotiate()
	}
}

func (s *Supervisor) cancelReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

// renegotiate tears down and rebuilds the session on the same slot,
// restoring the media state the user had.
func (s *Supervisor) renegotiate() {
	if s.sess == nil {
		return
	}
	s.attempts++
	if s.attempts > s.cfg.MaxReconnectAttempts {
		log.Warn().Str("module", "supervisor").Int("attempts", s.attempts-1).Msg("reconnect attempts exhausted")
		s.teardown(true, StatusConnectionLost)
		return
	}
	want := s.tracks.Flags()
	log.Info().Str("module", "supervisor").Str("channel", string(s.channel)).Msg("full renegotiation")
	s.sess.Close()
	s.sess = nil
	s.setStatus(session.PhaseReconnecting, StatusReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.tracks.Restore(ctx, want); err != nil {
		log.Error().Err(err).Str("module", "supervisor").Msg("media restore")
	}
	if err := s.startSession(ctx); err != nil {
		log.Error().Err(err).Str("module", "supervisor").Msg("renegotiation failed")
		s.teardown(true, StatusConnectionLost)
		return
	}
	s.pub.Publish(s.selfRecord())
}

func (s *Supervisor) onSelfRemoved(reason roster.Reason) {
	s.post(func() {
		if s.sess == nil {
			return
		}
		status := ""
		if reason == domain.StatusRemoved {
			status = StatusRemoved
		}
		// The record is already tombstoned by whoever removed us; do
		// not rewrite it, and never rejoin.
		s.teardown(false, status)
	})
}

func (s *Supervisor) onRoster(visible []domain.ParticipantRecord) {
	s.post(func() {
		s.visible = visible
		if s.phase == session.PhaseConnected {
			if len(s.rosterOthers()) == 0 {
				s.setStatus(s.phase, StatusWaiting)
			} else {
				s.setStatus(s.phase, StatusInCall)
			}
		}
		s.broadcast()
	})
}

// onStale reaps participant leftovers of the previous call on this
// slot. Only the offer author sweeps, and only records older than its
// own join: a tombstone written during this call is the signal path
// for kicks and must survive until everyone has observed it.
func (s *Supervisor) onStale(stale []domain.ParticipantRecord) {
	s.post(func() {
		if s.sess == nil || s.sess.Role() != session.RoleCaller || s.self == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, rec := range stale {
			if rec.UID == s.self.UID || !rec.UpdatedAt.Before(s.joinedAt) {
				continue
			}
			if err := s.store.Delete(ctx, core.ParticipantPath(s.slot, rec.UID)); err != nil {
				log.Error().Err(err).Str("module", "supervisor").Str("uid", string(rec.UID)).Msg("sweep stale record")
				continue
			}
			log.Info().Str("module", "supervisor").Str("uid", string(rec.UID)).Msg("stale record swept")
		}
	})
}

// watchMembership follows identity events for the joined channel.
// Losing membership ends the call; moderator grants just refresh the
// snapshot.
func (s *Supervisor) watchMembership(ch domain.ChannelID) {
	events, stop := s.identity.MembershipChanges(ch)
	s.memberStop = stop
	go func() {
		for ev := range events {
			ev := ev
			s.post(func() { s.onMembership(ev) })
		}
	}()
}

func (s *Supervisor) onMembership(ev core.MembershipEvent) {
	if s.sess == nil || s.self == nil || ev.Channel != s.channel {
		return
	}
	if ev.Left && ev.UID == s.self.UID {
		log.Info().Str("module", "supervisor").Str("channel", string(ev.Channel)).Msg("channel membership lost")
		s.teardown(true, "")
		return
	}
	s.broadcast()
}

func (s *Supervisor) onMediaChange(media.Flags) {
	s.post(func() {
		if s.sess == nil || s.pub == nil {
			return
		}
		s.pub.Publish(s.selfRecord())
		s.broadcast()
	})
}

// teardown is the one exit path for every way a call ends: leave,
// remote slot deletion, self-removal, unrecoverable failure.
func (s *Supervisor) teardown(ownRecord bool, status string) {
	s.cancelReconnect()
	if s.sess != nil {
		s.sessGen++
		s.sess.Close()
		s.sess = nil
	}
	if s.pub != nil {
		s.pub.Close()
	}

	if ownRecord && s.rost != nil && s.self != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if s.rost.OthersActive() > 0 {
			// Others remain: tombstone so the roster converges and
			// the next claimer sweeps it.
			rec := s.selfRecord()
			rec.Status = domain.StatusLeft
			rec.UpdatedAt = time.Now().UTC()
			if err := s.store.Publish(ctx, core.ParticipantPath(s.slot, s.self.UID), rec, core.PublishOptions{}); err != nil {
				log.Error().Err(err).Str("module", "supervisor").Msg("tombstone presence")
			}
		} else {
			// Last one out deletes the slot and everything under it.
			if err := s.store.Purge(ctx, core.SlotPath(s.slot)); err != nil {
				log.Error().Err(err).Str("module", "supervisor").Msg("purge slot")
			}
		}
		cancel()
	}
	if s.rost != nil {
		s.rost.Close()
	}
	s.cleanupJoin()
	s.setStatus(session.PhaseIdle, status)
	log.Info().Str("module", "supervisor").Msg("call torn down")
}

func (s *Supervisor) cleanupJoin() {
	if s.pub != nil {
		s.pub.Close()
		s.pub = nil
	}
	if s.rost != nil {
		s.rost.Close()
		s.rost = nil
	}
	if s.memberStop != nil {
		s.memberStop()
		s.memberStop = nil
	}
	s.channel = ""
	s.slot = ""
	s.visible = nil
	s.remoteTracks = nil
	s.attempts = 0
}

func (s *Supervisor) selfRecord() domain.ParticipantRecord {
	f := s.tracks.Flags()
	return domain.ParticipantRecord{
		UID:           s.self.UID,
		DisplayName:   s.self.DisplayName,
		PhotoURL:      s.self.PhotoURL,
		HasAudio:      f.Mic,
		HasVideo:      f.Camera || f.Screen,
		ScreenSharing: f.Screen,
		StreamID:      s.tracks.StreamID(),
		Status:        domain.StatusActive,
		JoinedAt:      s.joinedAt,
	}
}

func (s *Supervisor) rosterOthers() []domain.ParticipantRecord {
	var out []domain.ParticipantRecord
	for _, r := range s.visible {
		if s.self == nil || r.UID != s.self.UID {
			out = append(out, r)
		}
	}
	return out
}

// ToggleMic and friends run on the loop so a toggle cannot interleave
// with join/leave. Device errors return to the caller and leave state
// untouched.
func (s *Supervisor) ToggleMic(ctx context.Context) error {
	return s.call(func() error {
		if s.tracks == nil {
			return ErrNotInCall
		}
		if s.tracks.Flags().Mic {
			return s.tracks.DisableMic()
		}
		return s.tracks.EnableMic(ctx)
	})
}

func (s *Supervisor) ToggleCamera(ctx context.Context) error {
	return s.call(func() error {
		if s.tracks == nil {
			return ErrNotInCall
		}
		if s.tracks.Flags().Camera {
			return s.tracks.DisableCamera()
		}
		return s.tracks.EnableCamera(ctx)
	})
}

func (s *Supervisor) ToggleScreenShare(ctx context.Context) error {
	return s.call(func() error {
		if s.tracks == nil {
			return ErrNotInCall
		}
		if s.tracks.Flags().Screen {
			return s.tracks.StopScreenShare(ctx)
		}
		return s.tracks.StartScreenShare(ctx)
	})
}

// SetParticipantVolume and ToggleParticipantMute shape local playback
// only; they bypass the loop because the controls store is local.
func (s *Supervisor) SetParticipantVolume(uid domain.UserID, v float64) (domain.ParticipantControl, error) {
	return s.controls.SetVolume(uid, v)
}

func (s *Supervisor) ToggleParticipantMute(uid domain.UserID) (domain.ParticipantControl, error) {
	return s.controls.ToggleMute(uid)
}

func (s *Supervisor) ParticipantControl(uid domain.UserID) (domain.ParticipantControl, error) {
	return s.controls.Get(uid)
}

// RemoveParticipant tombstones a remote record as removed. Gated on
// the identity provider's moderator facts.
func (s *Supervisor) RemoveParticipant(ctx context.Context, uid domain.UserID) error {
	return s.call(func() error {
		if s.sess == nil {
			return ErrNotInCall
		}
		if !s.identity.CanModerate(s.channel, s.self.UID) {
			return ErrNotModerator
		}
		patch := map[string]any{
			"status":    domain.StatusRemoved,
			"kickedBy":  s.self.UID,
			"removedAt": time.Now().UTC(),
			"updatedAt": time.Now().UTC(),
		}
		err := s.store.Publish(ctx, core.ParticipantPath(s.slot, uid), patch, core.PublishOptions{Merge: true})
		if err != nil {
			return fmt.Errorf("remove participant: %w", err)
		}
		log.Info().Str("module", "supervisor").Str("uid", string(uid)).Msg("participant removed")
		return nil
	})
}

func (s *Supervisor) setStatus(p session.Phase, status string) {
	s.phase = p
	s.status = status
	s.broadcast()
}

func (s *Supervisor) snapshot() State {
	st := State{
		Phase:        s.phase,
		Channel:      s.channel,
		Roster:       s.visible,
		RemoteTracks: s.remoteTracks,
		Status:       s.status,
	}
	if s.self != nil && s.channel != "" {
		st.Moderator = s.identity.CanModerate(s.channel, s.self.UID)
	}
	if s.tracks != nil {
		st.Media = s.tracks.Flags()
		if s.self != nil {
			st.Tiles = roster.ProjectTiles(s.visible, roster.LocalMedia{
				UID:      s.self.UID,
				StreamID: s.tracks.StreamID(),
				Mic:      st.Media.Mic,
				Camera:   st.Media.Camera,
				Screen:   st.Media.Screen,
			}, s.remoteTracks)
		}
	}
	return st
}

// Snapshot returns the current observable state.
func (s *Supervisor) Snapshot() State {
	var out State
	_ = s.call(func() error {
		out = s.snapshot()
		return nil
	})
	return out
}

// Watch streams state snapshots. Slow consumers miss intermediate
// snapshots instead of blocking the loop.
func (s *Supervisor) Watch() (<-chan State, func()) {
	ch := make(chan State, 8)
	s.watchMu.Lock()
	s.watchID++
	id := s.watchID
	s.watchers[id] = ch
	s.watchMu.Unlock()

	s.post(func() {
		snap := s.snapshot()
		select {
		case ch <- snap:
		default:
		}
	})

	return ch, func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Supervisor) broadcast() {
	snap := s.snapshot()
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Close leaves any active call and stops the loop.
func (s *Supervisor) Close() {
	_ = s.Leave()
	s.stop.Do(func() { close(s.done) })
}
