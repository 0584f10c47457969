package app

import "github.com/dkeye/voicelink/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	CloseConnection
)

// Policy decides what happens to a signaling connection whose send queue
// keeps overflowing. dropped counts consecutive rejected sends.
type Policy interface {
	OnBackPressure(sid core.SessionID, dropped int64) BackpressureAction
}

// SimplePolicy drops messages until MaxDropped consecutive sends failed,
// then closes the connection. A zero MaxDropped never closes.
type SimplePolicy struct {
	MaxDropped int64
}

func (p SimplePolicy) OnBackPressure(_ core.SessionID, dropped int64) BackpressureAction {
	if p.MaxDropped > 0 && dropped >= p.MaxDropped {
		return CloseConnection
	}
	return DropMessage
}
