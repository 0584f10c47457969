// Package telemetry records session lifecycle events. The default recorder
// writes them to zerolog and keeps process-wide counters.
package telemetry

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recorder receives negotiation lifecycle events. Implementations must be
// safe for concurrent use.
type Recorder interface {
	PeerConnectionCreated()
	// PeerConnectionUnavailable is raised when the real-time engine cannot
	// build a PeerConnection at all. It is not fatal.
	PeerConnectionUnavailable(err error)
	TrackAdded(kind string)
	ConnectionStateChange(state string)
	ICEConnectionStateChange(state string)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PeerConnectionsCreated int64 `json:"peer_connections_created"`
	Unavailable            int64 `json:"unavailable"`
	TracksAdded            int64 `json:"tracks_added"`
	Failed                 int64 `json:"failed"`
	Closed                 int64 `json:"closed"`
}

type LogRecorder struct {
	logger zerolog.Logger

	created     atomic.Int64
	unavailable atomic.Int64
	tracks      atomic.Int64
	failed      atomic.Int64
	closed      atomic.Int64
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

var defaultRecorder = NewLogRecorder(log.With().Str("module", "telemetry").Logger())

// Default returns the process recorder used when none is injected.
func Default() *LogRecorder { return defaultRecorder }

func (r *LogRecorder) PeerConnectionCreated() {
	r.created.Add(1)
	r.logger.Debug().Msg("peer connection created")
}

func (r *LogRecorder) PeerConnectionUnavailable(err error) {
	r.unavailable.Add(1)
	r.logger.Warn().Err(err).Msg("failed to create peer connection")
}

func (r *LogRecorder) TrackAdded(kind string) {
	r.tracks.Add(1)
	r.logger.Debug().Str("kind", kind).Msg("track added")
}

func (r *LogRecorder) ConnectionStateChange(state string) {
	switch state {
	case "failed":
		r.failed.Add(1)
	case "closed":
		r.closed.Add(1)
	}
	r.logger.Info().Str("connection_state", state).Msg("connection state change")
}

func (r *LogRecorder) ICEConnectionStateChange(state string) {
	r.logger.Info().Str("ice_state", state).Msg("ICE connection state change")
}

func (r *LogRecorder) Snapshot() Snapshot {
	return Snapshot{
		PeerConnectionsCreated: r.created.Load(),
		Unavailable:            r.unavailable.Load(),
		TracksAdded:            r.tracks.Load(),
		Failed:                 r.failed.Load(),
		Closed:                 r.closed.Load(),
	}
}
