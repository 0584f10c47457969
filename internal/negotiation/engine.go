// Package negotiation implements perfect negotiation over a single
// PeerConnection.
//
// Two engines that differ only in politeness can exchange offers, answers
// and ICE candidates in any order and still converge: on an offer collision
// the impolite side keeps its own offer and ignores the remote one, while the
// polite side rolls back and answers. A connection that refuses a local
// rollback (pion does) is replaced instead, with its local tracks carried
// over. All engine state is owned by one actor goroutine; public methods and
// PeerConnection callbacks are queued to it.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/telemetry"
)

var (
	ErrEngineClosed = errors.New("negotiation engine closed")
	// ErrUnavailable is returned by an engine that could not create a
	// PeerConnection at construction.
	ErrUnavailable = errors.New("peer connection unavailable")
	// ErrAnswerRejected wraps the error of a remote answer that could not be
	// applied. The connection is closed and the session should end.
	ErrAnswerRejected = errors.New("remote answer rejected")
)

// Sink receives outbound signaling messages. It is called from the engine
// actor and must not call back into the engine synchronously.
type Sink interface {
	SendMessage(Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) error

func (f SinkFunc) SendMessage(m Message) error { return f(m) }

// TrackListener is notified of every remote track.
type TrackListener func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type Option func(*Engine)

func WithFactory(f Factory) Option {
	return func(e *Engine) { e.factory = f }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithICECandidatePoolSize prefetches candidates before the first offer.
func WithICECandidatePoolSize(n uint8) Option {
	return func(e *Engine) { e.poolSize = n }
}

// localTrack is a track added through the engine and the sender carrying it
// on the live connection.
type localTrack struct {
	track  webrtc.TrackLocal
	sender *webrtc.RTPSender
}

type Engine struct {
	polite   domain.Politeness
	factory  Factory
	recorder telemetry.Recorder
	logger   zerolog.Logger
	poolSize uint8

	queue *taskQueue

	// Owned by the actor.
	pc          PeerConnection
	generation  uint64
	servers     []core.ICEServer
	makingOffer bool
	buffer      messageBuffer
	sink        Sink
	inert       bool
	closed      bool
	tracks      []localTrack

	// current mirrors generation for callbacks that run outside the actor.
	// It moves ahead before a connection is closed on purpose so the close
	// event of the outgoing connection is not reported.
	current        atomic.Uint64
	answerRejected atomic.Bool

	listenersMu    sync.RWMutex
	trackListeners []TrackListener
	stateListeners []func(webrtc.PeerConnectionState)
}

// New builds an engine and its first PeerConnection. If no PeerConnection
// can be created the engine stays inert: operations become no-ops and the
// recorder is told, but New itself never fails.
func New(polite domain.Politeness, servers []core.ICEServer, opts ...Option) *Engine {
	e := &Engine{
		polite:   polite,
		factory:  DefaultFactory,
		recorder: telemetry.Default(),
		logger:   log.With().Str("module", "negotiation").Logger(),
		servers:  cloneServers(servers),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("polite", polite.String()).Logger()
	e.logger.Info().Msg("constructing negotiation engine")

	e.queue = newTaskQueue()
	if err := e.resetPeerConnection(); err != nil {
		e.logger.Error().Err(err).Msg("real-time engine unavailable, negotiation disabled")
		e.inert = true
	}
	return e
}

func (e *Engine) Polite() domain.Politeness { return e.polite }

// do runs fn on the actor and waits for it. A cancelled ctx stops the wait,
// not the task.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.queue.push(func() {
		defer close(done)
		fn()
	}) {
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules fn only if the PeerConnection that produced the event
// is still the live one.
func (e *Engine) enqueue(generation uint64, fn func()) {
	e.queue.push(func() {
		if e.closed || e.generation != generation {
			return
		}
		fn()
	})
}

// Attach binds the outbound sink and flushes everything queued so far.
// Attaching again (for example after the signaling channel reconnects)
// replaces the sink and flushes whatever was queued since.
func (e *Engine) Attach(ctx context.Context, sink Sink) error {
	return e.do(ctx, func() {
		if e.closed {
			return
		}
		e.sink = sink
		e.flush()
	})
}

// Detach unbinds the sink; later messages are buffered again.
func (e *Engine) Detach(ctx context.Context) error {
	return e.do(ctx, func() { e.sink = nil })
}

// IsInitialized reports whether a sink is attached.
func (e *Engine) IsInitialized() bool {
	var ok bool
	if err := e.do(context.Background(), func() { ok = e.sink != nil }); err != nil {
		return false
	}
	return ok
}

func (e *Engine) AddTrackListener(fn TrackListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.trackListeners = append(e.trackListeners, fn)
}

// OnConnectionStateChange registers fn for connection state transitions of
// whichever PeerConnection is live. Failed and closed are the only way
// negotiation failures surface.
func (e *Engine) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.stateListeners = append(e.stateListeners, fn)
}

// UpdateICEServers swaps the ICE server list on the live connection without
// tearing the session down. Errors are logged only.
func (e *Engine) UpdateICEServers(ctx context.Context, servers []core.ICEServer) {
	err := e.do(ctx, func() {
		e.servers = cloneServers(servers)
		if e.inert || e.closed || e.pc == nil {
			return
		}
		if err := e.pc.SetConfiguration(e.configuration()); err != nil {
			e.logger.Warn().Err(err).Msg("update ICE servers")
		}
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("update ICE servers")
	}
}

// InitiateNegotiation creates a local offer and sends it. It runs on every
// negotiation-needed event and may also be called directly.
func (e *Engine) InitiateNegotiation(ctx context.Context) error {
	var nerr error
	if err := e.do(ctx, func() { nerr = e.initiateNegotiation() }); err != nil {
		return err
	}
	return nerr
}

// Handle applies one remote message and reports whether it was recognised.
func (e *Engine) Handle(ctx context.Context, msg Message) (bool, error) {
	var (
		handled bool
		herr    error
	)
	if err := e.do(ctx, func() { handled, herr = e.handle(msg) }); err != nil {
		return false, err
	}
	return handled, herr
}

// HandleJSON decodes a wire payload and handles it. Malformed payloads,
// including ones that carry both an offer and an answer, are reported as
// not handled and leave the engine untouched.
func (e *Engine) HandleJSON(ctx context.Context, data []byte) (bool, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		e.logger.Error().Err(err).Msg("rejecting negotiation message")
		return false, err
	}
	return e.Handle(ctx, msg)
}

// AddTrack attaches a local track to the live connection. The engine keeps
// the track and adds it again to every replacement connection, so adding a
// track it already carries only revives the connection and returns the
// current sender.
func (e *Engine) AddTrack(ctx context.Context, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	var (
		sender *webrtc.RTPSender
		terr   error
	)
	err := e.do(ctx, func() {
		switch {
		case e.closed:
			terr = ErrEngineClosed
			return
		case e.inert:
			terr = ErrUnavailable
			return
		}
		e.ensureLivePeerConnection()
		for _, lt := range e.tracks {
			if lt.track == track {
				sender = lt.sender
				return
			}
		}
		e.logger.Info().Str("track_id", track.ID()).Msg("adding track to peer connection")
		sender, terr = e.pc.AddTrack(track)
		if terr == nil {
			e.tracks = append(e.tracks, localTrack{track: track, sender: sender})
			e.recorder.TrackAdded(track.Kind().String())
		}
	})
	if err != nil {
		return nil, err
	}
	return sender, terr
}

// RemoveTrack detaches a sender. It fails silently when the connection is
// already failed or closed.
func (e *Engine) RemoveTrack(ctx context.Context, sender *webrtc.RTPSender) {
	_ = e.do(ctx, func() {
		if e.pc == nil || e.closed || sender == nil {
			return
		}
		for i, lt := range e.tracks {
			if lt.sender == sender || sender.Track() == lt.track {
				e.tracks = slices.Delete(e.tracks, i, i+1)
				sender = lt.sender
				break
			}
		}
		if sender == nil {
			return
		}
		if err := e.pc.RemoveTrack(sender); err != nil {
			e.logger.Debug().Err(err).Msg("remove track")
		}
	})
}

func (e *Engine) SignalingState() webrtc.SignalingState {
	state := webrtc.SignalingStateClosed
	_ = e.do(context.Background(), func() {
		if e.pc != nil && !e.closed {
			state = e.pc.SignalingState()
		}
	})
	return state
}

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	state := webrtc.PeerConnectionStateClosed
	_ = e.do(context.Background(), func() {
		if e.pc != nil && !e.closed {
			state = e.pc.ConnectionState()
		}
	})
	return state
}

// Close tears the session down: the PeerConnection is closed, the sink is
// dropped and listeners are forgotten. Close is idempotent.
func (e *Engine) Close() error {
	var cerr error
	err := e.do(context.Background(), func() {
		if e.closed {
			return
		}
		e.closed = true
		e.sink = nil
		e.tracks = nil
		if e.pc != nil {
			cerr = e.pc.Close()
		}
	})
	if errors.Is(err, ErrEngineClosed) {
		return nil
	}
	e.queue.stop()

	e.listenersMu.Lock()
	e.trackListeners = nil
	e.stateListeners = nil
	e.listenersMu.Unlock()
	return cerr
}

// Everything below runs on the actor.

func (e *Engine) handle(msg Message) (bool, error) {
	if e.inert || e.closed {
		return false, nil
	}
	switch msg.Kind() {
	case KindOffer:
		e.logger.Info().Msg("handling webrtc offer")
		desc, _ := msg.Description()
		return true, e.handleOffer(desc)
	case KindAnswer:
		e.logger.Info().Msg("accepting webrtc answer")
		desc, _ := msg.Description()
		return true, e.acceptAnswer(desc)
	case KindCandidate:
		e.logger.Debug().Msg("received remote ICE candidate")
		c, _ := msg.Candidate()
		e.addRemoteICECandidate(c)
		return true, nil
	}
	return false, nil
}

func (e *Engine) initiateNegotiation() error {
	if e.inert || e.closed {
		return nil
	}
	e.ensureLivePeerConnection()
	e.logger.Info().Msg("initiating offer")

	e.makingOffer = true
	defer func() { e.makingOffer = false }()

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	sdp := offer.SDP
	if local := e.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	e.sendMessage(OfferMessage(sdp))
	return nil
}

func (e *Engine) handleOffer(offer webrtc.SessionDescription) error {
	e.ensureLivePeerConnection()

	offerCollision := e.makingOffer || e.pc.SignalingState() != webrtc.SignalingStateStable
	if offerCollision {
		if !e.polite {
			e.logger.Info().Msg("offer being ignored, we have our own")
			return nil
		}
		if err := e.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			e.logger.Info().Err(err).Msg("rollback refused, replacing peer connection")
			if err := e.resetPeerConnection(); err != nil {
				return fmt.Errorf("replace peer connection for rollback: %w", err)
			}
		}
	}

	e.logger.Info().Msg("accepting offer")
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	sdp := answer.SDP
	if local := e.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	e.sendMessage(AnswerMessage(sdp))
	return nil
}

// acceptAnswer applies the remote answer. A failure here is fatal for the
// session: the connection is closed and AnswerRejected reports true before
// its close event is delivered.
func (e *Engine) acceptAnswer(answer webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(answer); err != nil {
		e.logger.Error().Err(err).Msg("set remote answer, closing peer connection")
		e.answerRejected.Store(true)
		if cerr := e.pc.Close(); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("close peer connection")
		}
		return fmt.Errorf("%w: %w", ErrAnswerRejected, err)
	}
	return nil
}

// AnswerRejected reports whether a remote answer failed to apply. Callers
// reacting to the resulting closed state should end the session rather
// than renegotiate.
func (e *Engine) AnswerRejected() bool { return e.answerRejected.Load() }

// addRemoteICECandidate swallows failures: candidates routinely race ahead
// of or behind description changes.
func (e *Engine) addRemoteICECandidate(c webrtc.ICECandidateInit) {
	if err := e.pc.AddICECandidate(c); err != nil {
		e.logger.Debug().Err(err).Msg("add remote ICE candidate")
	}
}

func (e *Engine) sendMessage(m Message) {
	e.buffer.push(m)
	e.flush()
}

func (e *Engine) flush() {
	if e.sink == nil {
		return
	}
	if n, err := e.buffer.drain(e.sink.SendMessage); err != nil {
		e.logger.Warn().Err(err).Int("sent", n).Int("pending", e.buffer.len()).Msg("flush message buffer")
	}
}

// ensureLivePeerConnection is the only recovery path: a failed connection
// is closed and a closed one replaced.
func (e *Engine) ensureLivePeerConnection() {
	if e.pc == nil {
		return
	}
	if e.pc.ConnectionState() == webrtc.PeerConnectionStateFailed {
		e.current.Store(e.generation + 1)
		if err := e.pc.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("close failed peer connection")
		}
	}
	if e.pc.ConnectionState() == webrtc.PeerConnectionStateClosed ||
		e.pc.SignalingState() == webrtc.SignalingStateClosed {
		e.logger.Info().Msg("peer connection is closed - recreating")
		if err := e.resetPeerConnection(); err != nil {
			e.logger.Error().Err(err).Msg("recreate peer connection")
		}
	}
}

// resetPeerConnection closes the live connection, builds its replacement
// and adds every local track to it.
func (e *Engine) resetPeerConnection() error {
	if e.pc != nil && e.pc.ConnectionState() != webrtc.PeerConnectionStateClosed {
		e.current.Store(e.generation + 1)
		if err := e.pc.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("close previous peer connection")
		}
	}

	pc, err := e.factory(e.configuration())
	if err != nil {
		e.recorder.PeerConnectionUnavailable(err)
		return fmt.Errorf("create peer connection: %w", err)
	}
	e.generation++
	e.current.Store(e.generation)
	e.pc = pc
	e.registerListeners(pc, e.generation)
	e.recorder.PeerConnectionCreated()
	for i, lt := range e.tracks {
		sender, err := pc.AddTrack(lt.track)
		if err != nil {
			e.logger.Warn().Err(err).Str("track_id", lt.track.ID()).Msg("re-add track to new peer connection")
			continue
		}
		e.tracks[i].sender = sender
	}
	return nil
}

// registerListeners binds every callback to generation so that late events
// from a replaced connection are dropped.
func (e *Engine) registerListeners(pc PeerConnection, generation uint64) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.enqueue(generation, func() {
			e.logger.Debug().Msg("ice candidate appeared")
			e.sendMessage(CandidateMessage(init))
		})
	})

	pc.OnNegotiationNeeded(func() {
		e.enqueue(generation, func() {
			e.logger.Info().Msg("negotiation is needed")
			if err := e.initiateNegotiation(); err != nil {
				e.logger.Error().Err(err).Msg("initiate negotiation")
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if e.current.Load() != generation {
			return
		}
		if track == nil {
			e.logger.Error().Msg("track event without track")
			return
		}
		e.logger.Info().
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("kind", track.Kind().String()).
			Msg("remote track appeared")

		e.listenersMu.RLock()
		listeners := slices.Clone(e.trackListeners)
		e.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if e.current.Load() != generation {
			return
		}
		e.recorder.ConnectionStateChange(s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			e.logger.Warn().Str("connection_state", s.String()).Msg("peer connection lost")
		}

		e.listenersMu.RLock()
		listeners := slices.Clone(e.stateListeners)
		e.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(s)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if e.current.Load() != generation {
			return
		}
		e.recorder.ICEConnectionStateChange(s.String())
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		e.logger.Debug().Str("signaling_state", s.String()).Msg("signaling state change")
	})
}

func (e *Engine) configuration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           core.ICEServers(e.servers),
		ICECandidatePoolSize: e.poolSize,
	}
}

func cloneServers(in []core.ICEServer) []core.ICEServer {
	out := make([]core.ICEServer, len(in))
	for i, s := range in {
		out[i] = core.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		}
	}
	return out
}
