package app

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

type stubMedia struct {
	state  webrtc.PeerConnectionState
	closed bool
}

func (m *stubMedia) ConnectionState() webrtc.PeerConnectionState { return m.state }
func (m *stubMedia) Close() error                                { m.closed = true; return nil }

func TestRegistryBindReplaces(t *testing.T) {
	r := NewRegistry()
	first := &Session{ID: "a"}
	if _, replaced := r.Bind(first); replaced {
		t.Fatal("first bind reported a replacement")
	}
	second := &Session{ID: "a"}
	old, replaced := r.Bind(second)
	if !replaced || old != first {
		t.Fatalf("Bind = %v, %v; want first session", old, replaced)
	}
	if got, _ := r.Get("a"); got != second {
		t.Fatal("registry does not hold the new session")
	}
}

func TestRegistryUnbindIgnoresStale(t *testing.T) {
	r := NewRegistry()
	first := &Session{ID: "a"}
	second := &Session{ID: "a"}
	r.Bind(first)
	r.Bind(second)

	if r.Unbind(first) {
		t.Fatal("stale unbind removed the live session")
	}
	if !r.Unbind(second) {
		t.Fatal("unbind of live session failed")
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []core.SessionID{"c", "a", "b"} {
		r.Bind(&Session{ID: id})
	}
	all := r.All()
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("All = %v", all)
	}
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.Bind(&Session{ID: "a", Cancel: cancel})
	if !r.Cancel("a") {
		t.Fatal("Cancel returned false")
	}
	if ctx.Err() == nil {
		t.Fatal("session context not cancelled")
	}
	if r.Cancel("missing") {
		t.Fatal("Cancel of unknown sid returned true")
	}
}

func TestSessionInfo(t *testing.T) {
	peer, err := domain.NewPeer("browser", domain.Impolite)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	s := &Session{ID: "a", Peer: peer, Media: &stubMedia{state: webrtc.PeerConnectionStateConnected}}
	info := s.Info()
	if !info.OneShot || info.Signaling {
		t.Errorf("one-shot flags = %+v", info)
	}
	if info.ConnectionState != "connected" || info.Polite != "impolite" || info.Label != "browser" {
		t.Errorf("info = %+v", info)
	}
}

func TestSessionSwapPacerKeepsStats(t *testing.T) {
	s := &Session{ID: "a"}
	p := audio.NewPacer(audio.FrameSinkFunc(func(audio.Frame) error { return nil }))
	if old := s.SwapPacer(p); old != nil {
		t.Fatal("unexpected previous pacer")
	}
	if !s.Pacing() {
		t.Fatal("fresh pacer not reported as pacing")
	}
	if old := s.SwapPacer(nil); old != p {
		t.Fatal("SwapPacer did not return the installed pacer")
	}
	if s.Pacing() {
		t.Fatal("pacing after removal")
	}
}
