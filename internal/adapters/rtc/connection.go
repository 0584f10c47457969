package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/negotiation"
)

// NewAPI builds a pion API with the default codecs and pion logs routed to
// logger.
func NewAPI(logger zerolog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Logger: logger}}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

// NewFactory returns a negotiation.Factory backed by api.
func NewFactory(api *webrtc.API) negotiation.Factory {
	return func(cfg webrtc.Configuration) (negotiation.PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}

// DefaultConfig is the configuration for peers that only need the public
// STUN server.
func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: core.ICEServers(nil)}
}

// AnswerOffer applies a remote offer and returns the local answer once ICE
// gathering has completed, for signaling paths that cannot trickle.
func AnswerOffer(ctx context.Context, pc *webrtc.PeerConnection, sid core.SessionID, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	log.Info().Str("module", "webrtc").Str("sid", string(sid)).Msg("one-shot answer ready")
	return pc.LocalDescription(), nil
}
