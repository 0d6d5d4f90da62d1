// Package media owns local capture tracks and their senders on the
// active connection. Camera and screen share are mutually exclusive on
// the single video sender.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
)

var ErrNotAttached = errors.New("no active connection")

// Flags is the externally visible local media state.
type Flags struct {
	Mic    bool
	Camera bool
	Screen bool
}

// Manager acquires and releases local tracks. Enable/disable calls are
// idempotent, and a failed acquisition leaves prior state unchanged.
// Track swaps on a live connection go through sender replacement, not
// renegotiation.
type Manager struct {
	devices  core.DeviceSource
	streamID string
	onChange func(Flags)

	mu          sync.Mutex
	conn        core.MediaConnection
	audioTrack  core.LocalTrack
	videoTrack  core.LocalTrack
	audioSender core.TrackSender
	videoSender core.TrackSender
	sharing     bool
	cameraWasOn bool
}

// NewManager creates a detached manager. onChange fires after every
// effective state change, outside the manager's lock; may be nil.
func NewManager(devices core.DeviceSource, streamID string, onChange func(Flags)) *Manager {
	return &Manager{devices: devices, streamID: streamID, onChange: onChange}
}

func (m *Manager) StreamID() string { return m.streamID }

// Attach binds the manager to a fresh connection and adds any tracks
// that are already live. Senders from a previous connection are gone;
// the old connection must already be closed by its owner.
func (m *Manager) Attach(conn core.MediaConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.audioSender = nil
	m.videoSender = nil
	if m.audioTrack != nil {
		s, err := conn.AddTrack(m.audioTrack)
		if err != nil {
			return fmt.Errorf("attach audio: %w", err)
		}
		m.audioSender = s
	}
	if m.videoTrack != nil {
		s, err := conn.AddTrack(m.videoTrack)
		if err != nil {
			return fmt.Errorf("attach video: %w", err)
		}
		m.videoSender = s
	}
	return nil
}

func (m *Manager) Flags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagsLocked()
}

func (m *Manager) flagsLocked() Flags {
	return Flags{
		Mic:    m.audioTrack != nil,
		Camera: m.videoTrack != nil && !m.sharing,
		Screen: m.sharing,
	}
}

func (m *Manager) notify(f Flags) {
	if m.onChange != nil {
		m.onChange(f)
	}
}

// installAudioLocked puts t on the audio sender, adding one if needed.
func (m *Manager) installAudioLocked(t core.LocalTrack) error {
	if m.conn == nil {
		return nil
	}
	if m.audioSender != nil {
		return m.audioSender.Replace(t)
	}
	s, err := m.conn.AddTrack(t)
	if err != nil {
		return err
	}
	m.audioSender = s
	return nil
}

func (m *Manager) installVideoLocked(t core.LocalTrack) error {
	if m.conn == nil {
		return nil
	}
	if m.videoSender != nil {
		return m.videoSender.Replace(t)
	}
	s, err := m.conn.AddTrack(t)
	if err != nil {
		return err
	}
	m.videoSender = s
	return nil
}

func (m *Manager) EnableMic(ctx context.Context) error {
	m.mu.Lock()
	if m.audioTrack != nil {
		m.mu.Unlock()
		return nil
	}
	t, err := m.devices.OpenMicrophone(ctx, m.streamID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open microphone: %w", err)
	}
	if err := m.installAudioLocked(t); err != nil {
		m.mu.Unlock()
		_ = t.Close()
		return fmt.Errorf("add audio track: %w", err)
	}
	m.audioTrack = t
	f := m.flagsLocked()
	m.mu.Unlock()
	log.Info().Str("module", "media").Msg("mic enabled")
	m.notify(f)
	return nil
}

func (m *Manager) DisableMic() error {
	m.mu.Lock()
	if m.audioTrack == nil {
		m.mu.Unlock()
		return nil
	}
	t := m.audioTrack
	m.audioTrack = nil
	if m.audioSender != nil {
		_ = m.audioSender.Replace(nil)
	}
	f := m.flagsLocked()
	m.mu.Unlock()
	_ = t.Close()
	log.Info().Str("module", "media").Msg("mic disabled")
	m.notify(f)
	return nil
}

func (m *Manager) EnableCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.videoTrack != nil && !m.sharing {
		m.mu.Unlock()
		return nil
	}
	t, err := m.devices.OpenCamera(ctx, m.streamID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open camera: %w", err)
	}
	// Camera displaces an active screen share.
	old := m.videoTrack
	if err := m.installVideoLocked(t); err != nil {
		m.mu.Unlock()
		_ = t.Close()
		return fmt.Errorf("add video track: %w", err)
	}
	m.videoTrack = t
	m.sharing = false
	m.cameraWasOn = false
	f := m.flagsLocked()
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("module", "media").Msg("camera enabled")
	m.notify(f)
	return nil
}

func (m *Manager) DisableCamera() error {
	m.mu.Lock()
	if m.videoTrack == nil || m.sharing {
		m.mu.Unlock()
		return nil
	}
	t := m.videoTrack
	m.videoTrack = nil
	if m.videoSender != nil {
		_ = m.videoSender.Replace(nil)
	}
	f := m.flagsLocked()
	m.mu.Unlock()
	_ = t.Close()
	log.Info().Str("module", "media").Msg("camera disabled")
	m.notify(f)
	return nil
}

func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	t, err := m.devices.OpenScreen(ctx, m.streamID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open screen capture: %w", err)
	}
	cameraWasOn := m.videoTrack != nil
	old := m.videoTrack
	if err := m.installVideoLocked(t); err != nil {
		m.mu.Unlock()
		_ = t.Close()
		return fmt.Errorf("add screen track: %w", err)
	}
	m.videoTrack = t
	m.sharing = true
	m.cameraWasOn = cameraWasOn
	f := m.flagsLocked()
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("module", "media").Bool("camera_was_on", cameraWasOn).Msg("screen share started")
	m.notify(f)
	return nil
}

// StopScreenShare ends the share and brings the camera back iff it was
// active immediately before the share started.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return nil
	}
	screen := m.videoTrack
	m.videoTrack = nil
	m.sharing = false
	restore := m.cameraWasOn
	m.cameraWasOn = false
	if m.videoSender != nil {
		_ = m.videoSender.Replace(nil)
	}
	m.mu.Unlock()
	_ = screen.Close()
	log.Info().Str("module", "media").Bool("restore_camera", restore).Msg("screen share stopped")

	if restore {
		if err := m.EnableCamera(ctx); err != nil {
			// Share is already over; a failed restore just leaves
			// video off.
			log.Error().Err(err).Str("module", "media").Msg("camera restore failed")
			m.notify(m.Flags())
			return nil
		}
		return nil
	}
	m.notify(m.Flags())
	return nil
}

// Restore drives the manager toward the desired flags. Used after a
// renegotiation rebuilds the connection.
func (m *Manager) Restore(ctx context.Context, want Flags) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if want.Mic {
		keep(m.EnableMic(ctx))
	} else {
		keep(m.DisableMic())
	}
	if want.Screen {
		keep(m.StartScreenShare(ctx))
	} else if want.Camera {
		keep(m.EnableCamera(ctx))
	} else {
		if m.Flags().Screen {
			keep(m.StopScreenShare(ctx))
		}
		keep(m.DisableCamera())
	}
	return firstErr
}

// ReleaseAll stops every local track and detaches from the connection.
// Called from the session's teardown path; must not touch the
// connection, which the session closes itself.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	tracks := []core.LocalTrack{m.audioTrack, m.videoTrack}
	m.audioTrack = nil
	m.videoTrack = nil
	m.audioSender = nil
	m.videoSender = nil
	m.sharing = false
	m.cameraWasOn = false
	m.conn = nil
	f := m.flagsLocked()
	m.mu.Unlock()
	for _, t := range tracks {
		if t != nil {
			_ = t.Close()
		}
	}
	log.Info().Str("module", "media").Msg("released all tracks")
	m.notify(f)
}
