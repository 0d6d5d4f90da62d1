package core

import (
	"context"

	"github.com/dkeye/Huddle/internal/domain"
)

type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	// TransportDisconnected is a degraded but possibly recoverable
	// interruption; TransportFailed is terminal for the connection.
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	if k == TrackAudio {
		return "audio"
	}
	return "video"
}

// LocalTrack is a capture device track attached to a connection.
// Close releases the underlying device.
type LocalTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
	Close() error
}

// RemoteTrack is a read-only view of an inbound track, enough for the
// roster projection to correlate streams with participant records.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// TrackSender wraps an outbound sender slot on a connection. Replace
// swaps the track in place, without a negotiation cycle.
type TrackSender interface {
	Track() LocalTrack
	Replace(t LocalTrack) error
}

// MediaConnection is the narrow contract the coordinator drives on the
// platform media engine. Exactly one live session owns a connection;
// Close must release transport resources synchronously.
type MediaConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	// ApplyAnswer sets the remote answer. A renegotiated answer may
	// be applied over an earlier one; duplicate screening is the
	// caller's job.
	ApplyAnswer(ans domain.SessionDescription) error
	HasRemoteDescription() bool
	AddRemoteCandidate(c domain.Candidate) error
	// RestartICE creates and locally applies a restart offer. The
	// restart only completes once the offer is relayed and the peer's
	// fresh answer comes back through ApplyAnswer.
	RestartICE(ctx context.Context) (domain.SessionDescription, error)

	AddTrack(t LocalTrack) (TrackSender, error)
	RemoveTrack(s TrackSender) error

	OnLocalCandidate(fn func(domain.Candidate))
	OnTrack(fn func(RemoteTrack))
	OnStateChange(fn func(TransportState))

	Close() error
}

// MediaEngine creates connections and exposes local capture devices.
type MediaEngine interface {
	NewConnection() (MediaConnection, error)
	Devices() DeviceSource
}

// DeviceSource acquires local capture tracks. The streamID is stamped
// onto the outbound track so remote peers can correlate it with the
// presence record. Acquisition failures (permission denied, device
// busy) surface as errors on the specific call and must leave nothing
// half-open.
type DeviceSource interface {
	OpenMicrophone(ctx context.Context, streamID string) (LocalTrack, error)
	OpenCamera(ctx context.Context, streamID string) (LocalTrack, error)
	OpenScreen(ctx context.Context, streamID string) (LocalTrack, error)
}
