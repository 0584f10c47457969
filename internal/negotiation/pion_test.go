package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/telemetry"
)

func newPionEngine(t *testing.T, polite domain.Politeness) *Engine {
	t.Helper()
	e := New(polite, nil,
		WithRecorder(telemetry.NewLogRecorder(zerolog.Nop())),
		WithLogger(zerolog.Nop()),
	)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func audioTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU}, id, "stream-"+id)
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func settled(e *Engine) bool {
	ok := false
	_ = e.do(context.Background(), func() {
		ok = e.pc != nil &&
			e.pc.SignalingState() == webrtc.SignalingStateStable &&
			e.pc.RemoteDescription() != nil
	})
	return ok
}

// TestPionGlare drives two real pion connections that add tracks at the
// same time and waits for both to settle on one negotiated session.
func TestPionGlare(t *testing.T) {
	if testing.Short() {
		t.Skip("real peer connections")
	}
	ctx, cancel := context.WithCancel(context.Background())
	impolite := newPionEngine(t, domain.Impolite)
	polite := newPionEngine(t, domain.Polite)

	toPolite, wg1 := pipe(t, ctx, polite)
	toImpolite, wg2 := pipe(t, ctx, impolite)
	defer func() {
		cancel()
		wg1.Wait()
		wg2.Wait()
	}()
	if err := impolite.Attach(ctx, toPolite); err != nil {
		t.Fatal(err)
	}
	if err := polite.Attach(ctx, toImpolite); err != nil {
		t.Fatal(err)
	}

	trackA, trackB := audioTrack(t, "a"), audioTrack(t, "b")
	errs := make(chan error, 2)
	go func() {
		_, err := impolite.AddTrack(ctx, trackA)
		errs <- err
	}()
	go func() {
		_, err := polite.AddTrack(ctx, trackB)
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for !(settled(impolite) && settled(polite)) {
		if time.Now().After(deadline) {
			t.Fatalf("no convergence: impolite=%s polite=%s", impolite.SignalingState(), polite.SignalingState())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
