package orch

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/sink"
	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const streamID = "voicelink"

func (o *Orchestrator) attachAudioTrack(ctx context.Context, s *app.Session) {
	track, err := rtc.NewSampleTrack("audio-"+string(s.ID), streamID)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("sid", string(s.ID)).Msg("create audio track")
		return
	}
	s.Track = track
	if _, err := s.Engine.AddTrack(ctx, track.Track()); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(s.ID)).Msg("add audio track")
	}
}

// connectionStateHandler starts audio once media flows and stops it when
// the connection is lost. A lost negotiating connection is rebuilt by
// re-adding the audio track, which makes the engine replace it and offer
// again. A rejected remote answer ends the session instead.
func (o *Orchestrator) connectionStateHandler(ctx context.Context, s *app.Session) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		log.Info().Str("module", "app.orch").Str("sid", string(s.ID)).Str("connection_state", state.String()).Msg("connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			o.startAudio(ctx, s)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			log.Info().Str("module", "app.orch").Str("sid", string(s.ID)).Msg("stopping audio")
			o.stopAudio(s)
			if s.Engine == nil || s.Engine.AnswerRejected() {
				go o.CloseSession(s)
				return
			}
			if ctx.Err() == nil && s.Track != nil {
				go o.recover(ctx, s)
			}
		}
	}
}

// recover re-adds the session track. The engine carries each track once,
// so repeated loss events revive the connection without extra senders.
func (o *Orchestrator) recover(ctx context.Context, s *app.Session) {
	track, ok := s.Track.(*rtc.SampleTrack)
	if !ok {
		return
	}
	if _, err := s.Engine.AddTrack(ctx, track.Track()); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(s.ID)).Msg("recover peer connection")
	}
}

// startAudio paces the configured PCM file into the session's track unless
// a pacer is already running.
func (o *Orchestrator) startAudio(ctx context.Context, s *app.Session) {
	if s.Track == nil || o.source.Path == "" || s.Pacing() {
		return
	}
	f, err := os.Open(o.source.Path)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("path", o.source.Path).Msg("open audio source")
		return
	}
	p := audio.NewPacer(s.Track, audio.WithLogger(log.With().Str("module", "audio.pacer").Str("sid", string(s.ID)).Logger()))
	if err := p.AddStream(ctx, f, o.source.Format); err != nil {
		_ = f.Close()
		log.Error().Err(err).Str("module", "app.orch").Str("sid", string(s.ID)).Msg("start pacer")
		return
	}
	go func() {
		<-p.Done()
		_ = f.Close()
	}()
	if old := s.SwapPacer(p); old != nil {
		old.Stop()
	}
	log.Info().Str("module", "app.orch").Str("sid", string(s.ID)).Str("path", o.source.Path).Msg("audio started")
}

func (o *Orchestrator) stopAudio(s *app.Session) {
	if p := s.SwapPacer(nil); p != nil {
		p.Stop()
	}
}

// AnswerOffer serves a one-shot, non-trickle exchange: the remote offer is
// answered with every local candidate embedded, and the configured audio
// is streamed once the connection comes up. The session lives until its
// connection fails or closes.
func (o *Orchestrator) AnswerOffer(ctx context.Context, offer webrtc.SessionDescription) (*app.Session, *webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, nil, fmt.Errorf("expected offer, got %s", offer.Type)
	}
	if o.API == nil {
		return nil, nil, fmt.Errorf("one-shot answer: %w", errNoAPI)
	}
	pc, err := o.API.NewPeerConnection(webrtc.Configuration{ICEServers: core.ICEServers(o.ICEServers())})
	if err != nil {
		o.Recorder.PeerConnectionUnavailable(err)
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}
	o.Recorder.PeerConnectionCreated()

	sid := core.SessionID(uuid.NewString())
	peer, _ := domain.NewPeer("http", domain.Impolite)
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &app.Session{ID: sid, Peer: peer, Media: pc, Cancel: cancel}

	drain := sink.NewDrain(sid, log.Logger)
	onTrack := drain.Listener(sessCtx)
	pc.OnTrack(onTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		o.Recorder.ICEConnectionStateChange(state.String())
	})
	stateHandler := o.connectionStateHandler(sessCtx, s)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.Recorder.ConnectionStateChange(state.String())
		stateHandler(state)
	})

	if o.source.Path != "" {
		track, err := rtc.NewSampleTrack("audio-"+string(sid), streamID)
		if err != nil {
			o.CloseSession(s)
			return nil, nil, fmt.Errorf("create audio track: %w", err)
		}
		if _, err := pc.AddTrack(track.Track()); err != nil {
			o.CloseSession(s)
			return nil, nil, fmt.Errorf("add audio track: %w", err)
		}
		o.Recorder.TrackAdded(track.Track().Kind().String())
		s.Track = track
	}

	o.Registry.Bind(s)
	answer, err := rtc.AnswerOffer(ctx, pc, sid, offer)
	if err != nil {
		o.CloseSession(s)
		return nil, nil, err
	}
	return s, answer, nil
}
