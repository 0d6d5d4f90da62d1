package core

import "github.com/dkeye/Huddle/internal/domain"

// MembershipEvent reports a channel membership or permission change.
// The coordinator only consumes these to gate moderator actions.
type MembershipEvent struct {
	Channel   domain.ChannelID
	UID       domain.UserID
	Moderator bool
	Left      bool
}

// Identity supplies the local user and membership/permission facts.
// Membership policy itself is managed elsewhere.
type Identity interface {
	// CurrentUser returns nil when nobody is signed in.
	CurrentUser() *domain.User
	CanModerate(ch domain.ChannelID, uid domain.UserID) bool
	MembershipChanges(ch domain.ChannelID) (<-chan MembershipEvent, func())
}
