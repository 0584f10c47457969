package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
)

// handleNegotiation hands a "webrtc" envelope to the session's engine. The
// engine decodes it; malformed payloads are rejected there.
func (ctl *SignalWSController) handleNegotiation(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("negotiation rate limited")
		ctl.sendJSON(conn, errorResponse{Type: "error", Error: "rate_limited"})
		return
	}

	handled, err := ctl.Orch.Deliver(ctx, sid, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("negotiation message")
		ctl.sendJSON(conn, errorResponse{Type: "error", Error: "bad_payload"})
		return
	}
	if !handled {
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("negotiation message not handled")
	}
}
