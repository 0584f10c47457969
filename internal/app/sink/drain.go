// Package sink consumes remote media. Playback is out of scope, so remote
// tracks are read and discarded to keep the receive path flowing.
package sink

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/negotiation"
)

// TrackStats counts what was read from one remote track.
type TrackStats struct {
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Packets  int64  `json:"packets"`
	Bytes    int64  `json:"bytes"`
}

type drained struct {
	trackID  string
	streamID string
	kind     string
	packets  atomic.Int64
	bytes    atomic.Int64
}

type Drain struct {
	sid    core.SessionID
	logger zerolog.Logger

	mu     sync.RWMutex
	tracks map[string]*drained
}

func NewDrain(sid core.SessionID, logger zerolog.Logger) *Drain {
	return &Drain{
		sid:    sid,
		logger: logger.With().Str("module", "sink").Str("sid", string(sid)).Logger(),
		tracks: make(map[string]*drained),
	}
}

// Listener returns a negotiation.TrackListener that drains every remote
// track until ctx is done or the track ends.
func (d *Drain) Listener(ctx context.Context) negotiation.TrackListener {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if receiver != nil && len(receiver.Tracks()) > 1 {
			d.logger.Error().Int("tracks", len(receiver.Tracks())).Msg("receiver carries more than one track")
		}
		go d.loop(ctx, track.ID(), track.StreamID(), track.Kind().String(), func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		})
	}
}

// loop reads RTP packets until the source fails or ctx is done.
func (d *Drain) loop(ctx context.Context, trackID, streamID, kind string, read func() (*rtp.Packet, error)) {
	t := &drained{trackID: trackID, streamID: streamID, kind: kind}
	d.mu.Lock()
	d.tracks[trackID] = t
	d.mu.Unlock()

	logger := d.logger.With().Str("track_id", trackID).Str("kind", kind).Logger()
	logger.Info().Msg("draining remote track")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Int64("packets", t.packets.Load()).Msg("drain ctx done")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			logger.Info().Err(err).Int64("packets", t.packets.Load()).Msg("remote track ended")
			return
		}
		t.packets.Add(1)
		t.bytes.Add(int64(len(pkt.Payload)))
	}
}

func (d *Drain) Stats() []TrackStats {
	d.mu.RLock()
	out := make([]TrackStats, 0, len(d.tracks))
	for _, t := range d.tracks {
		out = append(out, TrackStats{
			TrackID:  t.trackID,
			StreamID: t.streamID,
			Kind:     t.kind,
			Packets:  t.packets.Load(),
			Bytes:    t.bytes.Load(),
		})
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b TrackStats) int { return strings.Compare(a.TrackID, b.TrackID) })
	return out
}
