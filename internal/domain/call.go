package domain

import "time"

type (
	ChannelID string
	SlotID    string
)

// DefaultSlot is the single connection slot a channel carries.
// Two-party calls only; a second slot would be a topology change.
const DefaultSlot = "0"

// SlotFor derives the slot id for a channel's call document.
func SlotFor(ch ChannelID) SlotID {
	return SlotID(string(ch) + ":" + DefaultSlot)
}

// SessionDescription mirrors the SDP payload stored in a slot document.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) IsZero() bool { return d.Type == "" && d.SDP == "" }

// CallSlot is the signaling document for one (channel, slot) pair.
// At most one non-empty Offer exists per slot at a time; the slot is
// claimed by whoever lands the offer write first.
type CallSlot struct {
	Offer      SessionDescription `json:"offer,omitempty"`
	Answer     SessionDescription `json:"answer,omitempty"`
	CreatedAt  time.Time          `json:"createdAt,omitempty"`
	CreatedBy  UserID             `json:"createdBy,omitempty"`
	AnsweredAt time.Time          `json:"answeredAt,omitempty"`
	AnsweredBy UserID             `json:"answeredBy,omitempty"`
	// RestartedAt is set when the offer author replaces the SDP pair
	// for an in-place ICE restart.
	RestartedAt time.Time `json:"restartedAt,omitempty"`
}

func (s CallSlot) HasOffer() bool  { return !s.Offer.IsZero() }
func (s CallSlot) HasAnswer() bool { return !s.Answer.IsZero() }
