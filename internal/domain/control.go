package domain

// DefaultVolume is applied the first time a remote participant is seen.
const DefaultVolume = 0.5

// ParticipantControl is purely local playback preference for one remote
// participant. Never networked, never affects outbound media.
type ParticipantControl struct {
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

func DefaultControl() ParticipantControl {
	return ParticipantControl{Volume: DefaultVolume}
}
