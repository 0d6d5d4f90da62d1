package domain

// Candidate is one ICE candidate document. Append-only: written once
// into a slot's caller- or answerer-originated subcollection and never
// mutated, only purged in bulk when the slot is reclaimed.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
