// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxPeerLabelLen = 36

var (
	ErrLabelTooLong = errors.New("peer label too long")
	ErrLabelEmpty   = errors.New("peer label empty")
	ErrUnknownRole  = errors.New("unknown politeness role")
)

// Politeness is the only asymmetry between two negotiating peers. A polite
// peer yields on offer collision, an impolite one keeps its own offer.
type Politeness bool

const (
	Impolite Politeness = false
	Polite   Politeness = true
)

func (p Politeness) String() string {
	if p {
		return "polite"
	}
	return "impolite"
}

// ParsePoliteness accepts "polite" or "impolite".
func ParsePoliteness(s string) (Politeness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "polite":
		return Polite, nil
	case "impolite":
		return Impolite, nil
	}
	return Impolite, ErrUnknownRole
}

type PeerID string

type Peer struct {
	ID     PeerID     `json:"id"`
	Label  string     `json:"label"`
	Polite Politeness `json:"polite"`
}

// NewPeer is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewPeer(label string, polite Politeness) (*Peer, error) {
	if len(label) == 0 {
		return nil, ErrLabelEmpty
	}
	if len(label) > MaxPeerLabelLen {
		return nil, ErrLabelTooLong
	}
	return &Peer{ID: PeerID(uuid.NewString()), Label: label, Polite: polite}, nil
}
