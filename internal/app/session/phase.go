package session

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	// PhaseAwaitingAnswer is caller-only: offer published, waiting for
	// the answer field to appear on the slot document.
	PhaseAwaitingAnswer
	PhaseConnected
	PhaseReconnecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseAwaitingAnswer:
		return "awaiting_answer"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleAnswerer:
		return "answerer"
	}
	return "none"
}
