package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// localCarrier is implemented by tracks produced by this package's
// device source. AddTrack unwraps through it to reach the underlying
// webrtc.TrackLocal.
type localCarrier interface {
	webrtcTrack() webrtc.TrackLocal
}

var errForeignTrack = errors.New("track was not produced by this engine")

// Connection adapts a pion PeerConnection to core.MediaConnection.
// Trickle ICE throughout: descriptions are returned without waiting for
// gathering, candidates flow through OnLocalCandidate.
type Connection struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(domain.Candidate)
	onTrack     func(core.RemoteTrack)
	onState     func(core.TransportState)
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(domain.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(core.RemoteTrack{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     kindFromCodecType(track.Kind()),
			})
		}
		// Drain inbound RTP so receive buffers do not back up; playback
		// taps the decoded stream at the device layer.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(stateFromPeerState(s))
		}
	})

	return c, nil
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return toDomainSD(offer), nil
}

func (c *Connection) CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return toDomainSD(answer), nil
}

func (c *Connection) ApplyAnswer(ans domain.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  ans.SDP,
	})
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddRemoteCandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// RestartICE creates a restart offer and applies it locally. The offer
// goes back to the caller for relay; the restart completes when the
// peer's fresh answer arrives through ApplyAnswer.
func (c *Connection) RestartICE(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return toDomainSD(offer), nil
}

func (c *Connection) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	carrier, ok := t.(localCarrier)
	if !ok {
		return nil, errForeignTrack
	}
	sender, err := c.pc.AddTrack(carrier.webrtcTrack())
	if err != nil {
		return nil, err
	}
	// Sender RTCP (receiver reports, NACKs) has to be read off the wire.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &rtpSender{sender: sender, track: t}, nil
}

func (c *Connection) RemoveTrack(s core.TrackSender) error {
	rs, ok := s.(*rtpSender)
	if !ok {
		return errors.New("sender does not belong to this connection")
	}
	return c.pc.RemoveTrack(rs.sender)
}

func (c *Connection) OnLocalCandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnStateChange(fn func(core.TransportState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Msg("closed")
	return nil
}

type rtpSender struct {
	mu     sync.Mutex
	sender *webrtc.RTPSender
	track  core.LocalTrack
}

func (s *rtpSender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *rtpSender) Replace(t core.LocalTrack) error {
	if t == nil {
		if err := s.sender.ReplaceTrack(nil); err != nil {
			return err
		}
		s.mu.Lock()
		s.track = nil
		s.mu.Unlock()
		return nil
	}
	carrier, ok := t.(localCarrier)
	if !ok {
		return errForeignTrack
	}
	if err := s.sender.ReplaceTrack(carrier.webrtcTrack()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func toDomainSD(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func kindFromCodecType(t webrtc.RTPCodecType) core.TrackKind {
	if t == webrtc.RTPCodecTypeAudio {
		return core.TrackAudio
	}
	return core.TrackVideo
}

func stateFromPeerState(s webrtc.PeerConnectionState) core.TransportState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return core.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return core.TransportClosed
	}
	return core.TransportNew
}
