// Package identity provides a configuration-backed identity source:
// one signed-in user and a fixed moderator allow-list. A directory
// service can replace it behind the same contract.
package identity

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type Static struct {
	mu         sync.RWMutex
	user       *domain.User
	moderators map[domain.UserID]bool

	subMu sync.Mutex
	subs  map[int]chan core.MembershipEvent
	next  int
}

func NewStatic(user *domain.User, moderators []domain.UserID) *Static {
	mods := make(map[domain.UserID]bool, len(moderators))
	for _, uid := range moderators {
		mods[uid] = true
	}
	return &Static{
		user:       user,
		moderators: mods,
		subs:       make(map[int]chan core.MembershipEvent),
	}
}

func (s *Static) CurrentUser() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser swaps the signed-in user; nil signs out.
func (s *Static) SetUser(u *domain.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *Static) CanModerate(_ domain.ChannelID, uid domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moderators[uid]
}

// SetModerator grants or revokes moderator standing and notifies
// membership subscribers.
func (s *Static) SetModerator(ch domain.ChannelID, uid domain.UserID, moderator bool) {
	s.mu.Lock()
	if moderator {
		s.moderators[uid] = true
	} else {
		delete(s.moderators, uid)
	}
	s.mu.Unlock()

	s.broadcast(core.MembershipEvent{Channel: ch, UID: uid, Moderator: moderator})
}

// RemoveMember drops a user from the channel. Subscribers see a Left
// event; the call supervisor ends the user's call on it.
func (s *Static) RemoveMember(ch domain.ChannelID, uid domain.UserID) {
	s.mu.Lock()
	delete(s.moderators, uid)
	s.mu.Unlock()

	s.broadcast(core.MembershipEvent{Channel: ch, UID: uid, Left: true})
}

func (s *Static) MembershipChanges(domain.ChannelID) (<-chan core.MembershipEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.next
	s.next++
	ch := make(chan core.MembershipEvent, 8)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Static) broadcast(ev core.MembershipEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "identity").Msg("membership subscriber lagging, event dropped")
		}
	}
}
