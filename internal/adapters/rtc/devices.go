package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
)

type deviceSource struct {
	selector *mediadevices.CodecSelector
}

func (d *deviceSource) OpenMicrophone(_ context.Context, streamID string) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone capture: %w", err)
	}
	return firstTrack(stream.GetAudioTracks(), core.TrackAudio, streamID)
}

func (d *deviceSource) OpenCamera(_ context.Context, streamID string) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose an MJPEG node with
			// malformed frames that poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("camera capture: %w", err)
	}
	return firstTrack(stream.GetVideoTracks(), core.TrackVideo, streamID)
}

func (d *deviceSource) OpenScreen(_ context.Context, streamID string) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("screen capture: %w", err)
	}
	return firstTrack(stream.GetVideoTracks(), core.TrackVideo, streamID)
}

// firstTrack wraps the first captured track and closes any extras.
func firstTrack(tracks []mediadevices.Track, kind core.TrackKind, streamID string) (core.LocalTrack, error) {
	if len(tracks) == 0 {
		return nil, errors.New("capture stream has no tracks")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	t := tracks[0]
	t.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("track_id", t.ID()).Msg("local track ended")
		}
	})
	return &captureTrack{
		inner: t,
		local: relabeledTrack{Track: t, streamID: streamID},
		kind:  kind,
	}, nil
}

// relabeledTrack overrides the capture track's stream id so the msid on
// the wire matches the id advertised in the presence record.
type relabeledTrack struct {
	mediadevices.Track
	streamID string
}

func (t relabeledTrack) StreamID() string { return t.streamID }

type captureTrack struct {
	inner mediadevices.Track
	local webrtc.TrackLocal
	kind  core.TrackKind
}

func (t *captureTrack) ID() string           { return t.inner.ID() }
func (t *captureTrack) StreamID() string     { return t.local.StreamID() }
func (t *captureTrack) Kind() core.TrackKind { return t.kind }
func (t *captureTrack) Close() error         { return t.inner.Close() }

func (t *captureTrack) webrtcTrack() webrtc.TrackLocal { return t.local }
