// Package rtc implements the media engine contract on pion/webrtc and
// pion/mediadevices.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/core"
)

// Engine builds peer connections from a shared webrtc.API configured
// with the VP8+Opus encoders the capture pipeline produces.
type Engine struct {
	api     *webrtc.API
	cfg     webrtc.Configuration
	devices *deviceSource
}

func DefaultSTUNServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

func NewEngine(stunServers []string) (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// The default 5s disconnected timeout declares a brief NAT hiccup
	// dead before ICE has a chance to recover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers()
	}
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}

	return &Engine{
		api:     api,
		cfg:     cfg,
		devices: &deviceSource{selector: selector},
	}, nil
}

func (e *Engine) NewConnection() (core.MediaConnection, error) {
	return newConnection(e.api, e.cfg)
}

func (e *Engine) Devices() core.DeviceSource { return e.devices }
