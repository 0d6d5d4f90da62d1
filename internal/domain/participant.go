package domain

import "time"

type ParticipantStatus string

const (
	StatusActive  ParticipantStatus = "active"
	StatusLeft    ParticipantStatus = "left"
	StatusRemoved ParticipantStatus = "removed"
)

// ParticipantRecord is the presence document, one per (slot, uid).
// Status only moves forward: active -> left or removed, never back.
type ParticipantRecord struct {
	UID           UserID            `json:"uid"`
	DisplayName   string            `json:"displayName"`
	PhotoURL      string            `json:"photoURL,omitempty"`
	HasAudio      bool              `json:"hasAudio"`
	HasVideo      bool              `json:"hasVideo"`
	ScreenSharing bool              `json:"screenSharing"`
	StreamID      string            `json:"streamId"`
	Status        ParticipantStatus `json:"status"`
	JoinedAt      time.Time         `json:"joinedAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	KickedBy      UserID            `json:"kickedBy,omitempty"`
	RemovedAt     time.Time         `json:"removedAt,omitempty"`
}

func (p ParticipantRecord) Active() bool { return p.Status == StatusActive }

// Equal is a structural comparison used to suppress redundant roster
// snapshots. Timestamps participate: an UpdatedAt bump alone is still a
// distinct snapshot upstream, so only flag/identity fields are compared.
func (p ParticipantRecord) Equal(o ParticipantRecord) bool {
	return p.UID == o.UID &&
		p.DisplayName == o.DisplayName &&
		p.PhotoURL == o.PhotoURL &&
		p.HasAudio == o.HasAudio &&
		p.HasVideo == o.HasVideo &&
		p.ScreenSharing == o.ScreenSharing &&
		p.StreamID == o.StreamID &&
		p.Status == o.Status &&
		p.JoinedAt.Equal(o.JoinedAt)
}
