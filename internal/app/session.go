package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicelink/internal/audio"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/negotiation"
)

// Session binds one remote peer to its media and signaling endpoints.
type Session struct {
	ID     core.SessionID
	Peer   *domain.Peer
	Media  core.MediaConnection
	Signal core.SignalConnection
	// Engine is nil for one-shot sessions answered over plain HTTP.
	Engine *negotiation.Engine
	Track  audio.FrameSink
	Cancel context.CancelFunc

	mu    sync.Mutex
	pacer *audio.Pacer
	stats audio.Stats

	retired atomic.Bool
}

// Retire marks the session as torn down. Only the first call returns true.
func (s *Session) Retire() bool {
	return s.retired.CompareAndSwap(false, true)
}

// SwapPacer installs p and returns the previous one, if any.
func (s *Session) SwapPacer(p *audio.Pacer) *audio.Pacer {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.pacer
	if old != nil {
		s.stats = addStats(s.stats, old.Stats())
	}
	s.pacer = p
	return old
}

// Pacing reports whether a pacer is installed and still running.
func (s *Session) Pacing() bool {
	s.mu.Lock()
	p := s.pacer
	s.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// AudioStats sums every pacer the session has run.
func (s *Session) AudioStats() audio.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if s.pacer != nil {
		st = addStats(st, s.pacer.Stats())
	}
	return st
}

func addStats(a, b audio.Stats) audio.Stats {
	return audio.Stats{
		Frames:         a.Frames + b.Frames,
		Underruns:      a.Underruns + b.Underruns,
		DiscardedBytes: a.DiscardedBytes + b.DiscardedBytes,
	}
}

// SessionInfo is the public view of a live session.
type SessionInfo struct {
	ID              core.SessionID `json:"id"`
	Label           string         `json:"label,omitempty"`
	Polite          string         `json:"polite"`
	OneShot         bool           `json:"one_shot"`
	ConnectionState string         `json:"connection_state"`
	Signaling       bool           `json:"signaling"`
	Audio           audio.Stats    `json:"audio"`
}

func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:        s.ID,
		OneShot:   s.Engine == nil,
		Signaling: s.Engine != nil && s.Engine.IsInitialized(),
		Audio:     s.AudioStats(),
	}
	if s.Peer != nil {
		info.Label = s.Peer.Label
		info.Polite = s.Peer.Polite.String()
	}
	if s.Media != nil {
		info.ConnectionState = s.Media.ConnectionState().String()
	}
	return info
}
