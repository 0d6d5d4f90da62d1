// Package mock provides hand-written fakes for the media engine
// contract, shared by the app package tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type Track struct {
	mu       sync.Mutex
	id       string
	streamID string
	kind     core.TrackKind
	closed   bool
}

func NewTrack(kind core.TrackKind, id, streamID string) *Track {
	return &Track{id: id, streamID: streamID, kind: kind}
}

func (t *Track) ID() string           { return t.id }
func (t *Track) StreamID() string     { return t.streamID }
func (t *Track) Kind() core.TrackKind { return t.kind }

func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Devices hands out fake tracks. Set FailMic/FailCamera/FailScreen to
// simulate permission or device errors.
type Devices struct {
	mu         sync.Mutex
	FailMic    error
	FailCamera error
	FailScreen error
	seq        int
	opened     []*Track
}

func NewDevices() *Devices {
	return &Devices{}
}

func (d *Devices) open(kind core.TrackKind, label, streamID string, fail error) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	d.seq++
	t := NewTrack(kind, fmt.Sprintf("%s-%d", label, d.seq), streamID)
	d.opened = append(d.opened, t)
	return t, nil
}

func (d *Devices) OpenMicrophone(_ context.Context, streamID string) (core.LocalTrack, error) {
	return d.open(core.TrackAudio, "mic", streamID, d.FailMic)
}

func (d *Devices) OpenCamera(_ context.Context, streamID string) (core.LocalTrack, error) {
	return d.open(core.TrackVideo, "cam", streamID, d.FailCamera)
}

func (d *Devices) OpenScreen(_ context.Context, streamID string) (core.LocalTrack, error) {
	return d.open(core.TrackVideo, "screen", streamID, d.FailScreen)
}

// Opened returns every track ever handed out, closed or not.
func (d *Devices) Opened() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Track, len(d.opened))
	copy(out, d.opened)
	return out
}

type Sender struct {
	mu       sync.Mutex
	track    core.LocalTrack
	replaced int
}

func (s *Sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) Replace(t core.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// Conn is a scripted MediaConnection. Emit* methods drive the
// registered callbacks the way the real engine would.
type Conn struct {
	mu          sync.Mutex
	seq         int
	localDesc   domain.SessionDescription
	remoteDesc  *domain.SessionDescription
	applied     []domain.SessionDescription
	senders     []*Sender
	remoteCands []domain.Candidate
	restarts    int
	closed      bool

	onCandidate func(domain.Candidate)
	onTrack     func(core.RemoteTrack)
	onState     func(core.TransportState)

	FailOffer  error
	FailAnswer error
	FailApply  error
}

func (c *Conn) CreateOffer(context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOffer != nil {
		return domain.SessionDescription{}, c.FailOffer
	}
	c.seq++
	c.localDesc = domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("sdp-offer-%d", c.seq)}
	return c.localDesc, nil
}

func (c *Conn) CreateAnswer(_ context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnswer != nil {
		return domain.SessionDescription{}, c.FailAnswer
	}
	c.remoteDesc = &offer
	c.seq++
	c.localDesc = domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("sdp-answer-%d", c.seq)}
	return c.localDesc, nil
}

func (c *Conn) ApplyAnswer(ans domain.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailApply != nil {
		return c.FailApply
	}
	c.remoteDesc = &ans
	c.applied = append(c.applied, ans)
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *Conn) AddRemoteCandidate(cand domain.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.remoteCands = append(c.remoteCands, cand)
	return nil
}

func (c *Conn) RestartICE(context.Context) (domain.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
	c.localDesc = domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("sdp-restart-%d", c.restarts)}
	return c.localDesc, nil
}

func (c *Conn) AddTrack(t core.LocalTrack) (core.TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) RemoveTrack(s core.TrackSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.senders {
		if have == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("sender not found")
}

func (c *Conn) OnLocalCandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Conn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) OnStateChange(fn func(core.TransportState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// Applied lists every answer set on the connection, in order.
func (c *Conn) Applied() []domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SessionDescription, len(c.applied))
	copy(out, c.applied)
	return out
}

func (c *Conn) RemoteCandidates() []domain.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Candidate, len(c.remoteCands))
	copy(out, c.remoteCands)
	return out
}

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Sender, len(c.senders))
	copy(out, c.senders)
	return out
}

func (c *Conn) EmitCandidate(cand domain.Candidate) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (c *Conn) EmitTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Conn) EmitState(s core.TransportState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type Engine struct {
	mu      sync.Mutex
	devices *Devices
	conns   []*Conn
	FailNew error
}

func NewEngine(devices *Devices) *Engine {
	return &Engine{devices: devices}
}

func (e *Engine) NewConnection() (core.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNew != nil {
		return nil, e.FailNew
	}
	c := &Conn{}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *Engine) Devices() core.DeviceSource { return e.devices }

func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, len(e.conns))
	copy(out, e.conns)
	return out
}

func (e *Engine) LastConn() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}
