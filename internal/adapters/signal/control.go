package signal

import (
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/core"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleWhoAmI(
	sid core.SessionID,
	conn *WsSignalConn,
) {
	sess, ok := ctl.Orch.Registry.Get(sid)
	if !ok {
		ctl.sendJSON(conn, errorResponse{Type: "error", Error: "no_session"})
		return
	}
	resp := struct {
		Type    string          `json:"type"`
		Session app.SessionInfo `json:"session"`
	}{
		Type:    "whoami",
		Session: sess.Info(),
	}
	ctl.sendJSON(conn, resp)
}
