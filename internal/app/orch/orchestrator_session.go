package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/sink"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/negotiation"
)

func (o *Orchestrator) factory() negotiation.Factory {
	switch {
	case o.Factory != nil:
		return o.Factory
	case o.API != nil:
		return rtc.NewFactory(o.API)
	default:
		return negotiation.DefaultFactory
	}
}

// OpenSession starts a negotiating session for sid over a signaling
// channel. A session already bound to sid is torn down and replaced.
func (o *Orchestrator) OpenSession(
	ctx context.Context,
	sid core.SessionID,
	label string,
	conn core.SignalConnection,
	out negotiation.Sink,
) (*app.Session, error) {
	peer, err := domain.NewPeer(label, o.polite)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	engine := negotiation.New(o.polite, o.ICEServers(),
		negotiation.WithFactory(o.factory()),
		negotiation.WithRecorder(o.Recorder),
		negotiation.WithICECandidatePoolSize(o.poolSize),
		negotiation.WithLogger(log.With().Str("module", "negotiation").Str("sid", string(sid)).Logger()),
	)
	s := &app.Session{
		ID:     sid,
		Peer:   peer,
		Media:  engine,
		Signal: conn,
		Engine: engine,
		Cancel: cancel,
	}

	drain := sink.NewDrain(sid, log.Logger)
	engine.AddTrackListener(drain.Listener(ctx))
	engine.OnConnectionStateChange(o.connectionStateHandler(ctx, s))

	if err := engine.Attach(ctx, out); err != nil {
		cancel()
		_ = engine.Close()
		return nil, fmt.Errorf("attach signaling: %w", err)
	}

	if old, replaced := o.Registry.Bind(s); replaced {
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Msg("replacing previous session")
		if old.Signal != nil {
			old.Signal.Close()
		}
		o.CloseSession(old)
	}

	if o.source.Path != "" {
		o.attachAudioTrack(ctx, s)
	}
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("polite", o.polite.String()).Msg("session opened")
	return s, nil
}

// Deliver routes one inbound negotiation payload to the session's engine.
func (o *Orchestrator) Deliver(ctx context.Context, sid core.SessionID, data []byte) (bool, error) {
	s, ok := o.Registry.Get(sid)
	if !ok || s.Engine == nil {
		return false, ErrNoSession
	}
	return s.Engine.HandleJSON(ctx, data)
}

// CloseSession stops audio and closes the media connection. It is safe to
// call more than once and from connection state callbacks.
func (o *Orchestrator) CloseSession(s *app.Session) {
	if !s.Retire() {
		return
	}
	o.Registry.Unbind(s)
	o.stopAudio(s)
	if s.Cancel != nil {
		s.Cancel()
	}
	if s.Media != nil {
		if err := s.Media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("sid", string(s.ID)).Msg("close media")
		}
	}
	log.Info().Str("module", "app.orch").Str("sid", string(s.ID)).Msg("session closed")
}

// CloseSessionByID closes the session bound to sid, if any.
func (o *Orchestrator) CloseSessionByID(sid core.SessionID) bool {
	s, ok := o.Registry.Get(sid)
	if !ok {
		return false
	}
	o.CloseSession(s)
	return true
}
