package http

import (
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/negotiation"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

type nopSink struct{}

func (nopSink) SendMessage(negotiation.Message) error { return nil }
