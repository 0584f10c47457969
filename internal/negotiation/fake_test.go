package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/telemetry"
)

var errNoRemoteDescription = errors.New("fake: no remote description")

// fakePC models the signaling state machine of a peer connection closely
// enough for negotiation tests. It never gathers candidates on its own.
// Like pion it refuses a local rollback unless rollback is set.
type fakePC struct {
	mu sync.Mutex

	name       string
	signaling  webrtc.SignalingState
	connection webrtc.PeerConnectionState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	config     webrtc.Configuration
	offers     int
	candidates []webrtc.ICECandidateInit
	rollback   bool
	rollbacks  int
	tracks     []webrtc.TrackLocal

	failRemoteAnswer error
	failConfig       error

	onICECandidate     func(*webrtc.ICECandidate)
	onNegotiation      func()
	onTrack            func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConnectionState  func(webrtc.PeerConnectionState)
	onICEConnection    func(webrtc.ICEConnectionState)
	onSignalingChanged func(webrtc.SignalingState)
}

var _ PeerConnection = (*fakePC)(nil)

func newFakePC(name string, cfg webrtc.Configuration, rollback bool) *fakePC {
	return &fakePC{
		name:       name,
		rollback:   rollback,
		signaling:  webrtc.SignalingStateStable,
		connection: webrtc.PeerConnectionStateNew,
		config:     cfg,
	}
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connection == webrtc.PeerConnectionStateClosed {
		return webrtc.SessionDescription{}, errors.New("fake: closed")
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", f.name, f.offers)}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("fake: create answer in %s", f.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + f.name + "-to-" + f.remote.SDP}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeRollback:
		if !f.rollback {
			return errors.New("fake: invalid SDP type supplied to SetLocalDescription(): rollback")
		}
		switch f.signaling {
		case webrtc.SignalingStateHaveLocalOffer:
			f.local = nil
		case webrtc.SignalingStateHaveRemoteOffer:
			f.remote = nil
		default:
			return fmt.Errorf("fake: rollback in %s", f.signaling)
		}
		f.rollbacks++
		f.setSignaling(webrtc.SignalingStateStable)
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("fake: local offer in %s", f.signaling)
		}
		f.local = &d
		f.setSignaling(webrtc.SignalingStateHaveLocalOffer)
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("fake: local answer in %s", f.signaling)
		}
		f.local = &d
		f.setSignaling(webrtc.SignalingStateStable)
	default:
		return fmt.Errorf("fake: unsupported type %s", d.Type)
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("fake: remote offer in %s", f.signaling)
		}
		f.remote = &d
		f.setSignaling(webrtc.SignalingStateHaveRemoteOffer)
	case webrtc.SDPTypeAnswer:
		if f.failRemoteAnswer != nil {
			return f.failRemoteAnswer
		}
		if f.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("fake: remote answer in %s", f.signaling)
		}
		f.remote = &d
		f.setSignaling(webrtc.SignalingStateStable)
	default:
		return fmt.Errorf("fake: unsupported type %s", d.Type)
	}
	return nil
}

// setSignaling must be called with mu held.
func (f *fakePC) setSignaling(s webrtc.SignalingState) {
	f.signaling = s
}

func (f *fakePC) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errNoRemoteDescription
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) SetConfiguration(cfg webrtc.Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConfig != nil {
		return f.failConfig
	}
	f.config = cfg
	return nil
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakePC) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connection
}

func (f *fakePC) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICECandidate = fn
}

func (f *fakePC) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNegotiation = fn
}

func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnectionState = fn
}

func (f *fakePC) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICEConnection = fn
}

func (f *fakePC) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSignalingChanged = fn
}

func (f *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connection == webrtc.PeerConnectionStateClosed {
		return nil, errors.New("fake: closed")
	}
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePC) localTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), f.tracks...)
}

func (f *fakePC) RemoveTrack(*webrtc.RTPSender) error {
	return errors.New("fake: no such sender")
}

// Close reports the closed state to the listener before returning, which is
// the earliest a pion handler goroutine can observe it.
func (f *fakePC) Close() error {
	f.mu.Lock()
	changed := f.connection != webrtc.PeerConnectionStateClosed
	f.connection = webrtc.PeerConnectionStateClosed
	f.signaling = webrtc.SignalingStateClosed
	fn := f.onConnectionState
	f.mu.Unlock()
	if changed && fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// setConnectionState moves the fake to s and fires the registered listener
// the way pion does, from another goroutine's point of view.
func (f *fakePC) setConnectionState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connection = s
	fn := f.onConnectionState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakePC) listenersRegistered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onICECandidate != nil && f.onNegotiation != nil && f.onTrack != nil &&
		f.onConnectionState != nil && f.onICEConnection != nil && f.onSignalingChanged != nil
}

// fakeFactory records every connection it builds.
type fakeFactory struct {
	name     string
	rollback bool
	mu       sync.Mutex
	pcs  []*fakePC
	fail atomic.Bool
}

func (ff *fakeFactory) build(cfg webrtc.Configuration) (PeerConnection, error) {
	if ff.fail.Load() {
		return nil, errors.New("fake: engine unavailable")
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	pc := newFakePC(ff.name, cfg, ff.rollback)
	ff.pcs = append(ff.pcs, pc)
	return pc, nil
}

func (ff *fakeFactory) last() *fakePC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.pcs[len(ff.pcs)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.pcs)
}

// recordingSink keeps every message it is handed.
type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	fail error
}

func (s *recordingSink) SendMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func (s *recordingSink) ofKind(k Kind) []Message {
	var out []Message
	for _, m := range s.messages() {
		if m.Kind() == k {
			out = append(out, m)
		}
	}
	return out
}

func newTestEngine(t *testing.T, name string, polite domain.Politeness) (*Engine, *fakeFactory, *telemetry.LogRecorder) {
	t.Helper()
	return newTestEngineWith(t, &fakeFactory{name: name}, polite)
}

func newTestEngineWith(t *testing.T, ff *fakeFactory, polite domain.Politeness) (*Engine, *fakeFactory, *telemetry.LogRecorder) {
	t.Helper()
	rec := telemetry.NewLogRecorder(zerolog.Nop())
	e := New(polite, []core.ICEServer{{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"}},
		WithFactory(ff.build),
		WithRecorder(rec),
		WithLogger(zerolog.Nop()),
	)
	t.Cleanup(func() { _ = e.Close() })
	return e, ff, rec
}
