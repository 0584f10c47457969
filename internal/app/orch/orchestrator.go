package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/negotiation"
	"github.com/dkeye/voicelink/internal/telemetry"
)

var (
	ErrNoSession = errors.New("no negotiating session")
	errNoAPI     = errors.New("webrtc api not configured")
)

// AudioSource is the raw PCM file paced into every session. An empty Path
// disables outbound audio.
type AudioSource struct {
	Path   string
	Format audio.Format
}

type Config struct {
	Polite               domain.Politeness
	ICEServers           []core.ICEServer
	ICECandidatePoolSize uint8
	Audio                AudioSource
}

type Orchestrator struct {
	Registry *app.Registry
	API      *webrtc.API
	Recorder telemetry.Recorder
	// Factory overrides how negotiating sessions build peer connections.
	Factory negotiation.Factory

	polite   domain.Politeness
	poolSize uint8
	source   AudioSource

	mu      sync.RWMutex
	servers []core.ICEServer
}

func New(reg *app.Registry, api *webrtc.API, cfg Config) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		API:      api,
		Recorder: telemetry.Default(),
		polite:   cfg.Polite,
		poolSize: cfg.ICECandidatePoolSize,
		source:   cfg.Audio,
		servers:  append([]core.ICEServer(nil), cfg.ICEServers...),
	}
}

func (o *Orchestrator) ICEServers() []core.ICEServer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]core.ICEServer(nil), o.servers...)
}

// UpdateICEServers replaces the ICE server list for sessions opened later
// and pushes it to every live negotiating session.
func (o *Orchestrator) UpdateICEServers(ctx context.Context, servers []core.ICEServer) int {
	o.mu.Lock()
	o.servers = append([]core.ICEServer(nil), servers...)
	o.mu.Unlock()

	updated := 0
	for _, s := range o.Registry.All() {
		if s.Engine == nil {
			continue
		}
		s.Engine.UpdateICEServers(ctx, servers)
		updated++
	}
	log.Info().Str("module", "app.orch").Int("servers", len(servers)).Int("sessions", updated).Msg("ICE servers updated")
	return updated
}

func (o *Orchestrator) Sessions() []app.SessionInfo {
	all := o.Registry.All()
	out := make([]app.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

// Shutdown tears down every live session.
func (o *Orchestrator) Shutdown() {
	for _, s := range o.Registry.All() {
		o.CloseSession(s)
	}
}
