package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/telemetry"
)

type reply struct {
	Type    string          `json:"type"`
	Error   string          `json:"error"`
	Session app.SessionInfo `json:"session"`
}

func newTestServer(t *testing.T, limiter *RateLimiter) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api, err := rtc.NewAPI(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	o := orch.New(app.NewRegistry(), api, orch.Config{Polite: domain.Impolite})
	o.Recorder = telemetry.NewLogRecorder(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ctl := NewSignalWSController(o, limiter, 1<<16, 0)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("sid"))
		ctl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		o.Shutdown()
	})
	return srv, o
}

func dial(t *testing.T, srv *httptest.Server, sid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sid=" + sid
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// next reads until a non-negotiation reply arrives.
func next(t *testing.T, ws *websocket.Conn) reply {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var r reply
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if r.Type != "webrtc" {
			return r
		}
	}
}

func TestSignalPingPong(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ws := dial(t, srv, "sid-ping")

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := next(t, ws); r.Type != "pong" {
		t.Fatalf("reply = %+v, want pong", r)
	}
}

func TestSignalWhoAmI(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ws := dial(t, srv, "sid-who")

	if err := ws.WriteJSON(map[string]string{"type": "whoami"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := next(t, ws)
	if r.Type != "whoami" || r.Session.ID != "sid-who" || r.Session.Polite != "impolite" || !r.Session.Signaling {
		t.Fatalf("reply = %+v", r)
	}
}

func TestSignalRejectsAmbiguousMessage(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ws := dial(t, srv, "sid-bad")

	msg := `{"type":"webrtc","offer":{"type":"offer","sdp":"a"},"answer":{"type":"answer","sdp":"b"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := next(t, ws); r.Type != "error" || r.Error != "bad_payload" {
		t.Fatalf("reply = %+v, want bad_payload", r)
	}
}

func TestSignalRateLimited(t *testing.T) {
	srv, _ := newTestServer(t, NewRateLimiter(1, time.Minute))
	ws := dial(t, srv, "sid-rl")

	cand := `{"type":"webrtc","iceCandidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	for i := 0; i < 2; i++ {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(cand)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if r := next(t, ws); r.Type != "error" || r.Error != "rate_limited" {
		t.Fatalf("reply = %+v, want rate_limited", r)
	}
}

func TestSignalCloseEndsSession(t *testing.T) {
	srv, o := newTestServer(t, nil)
	ws := dial(t, srv, "sid-close")

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	next(t, ws)
	if o.Registry.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", o.Registry.Len())
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for o.Registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session outlived its signaling connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForgetSparesReplacingSession(t *testing.T) {
	o := orch.New(app.NewRegistry(), nil, orch.Config{Polite: domain.Impolite})
	limiter := NewRateLimiter(1, time.Minute)
	ctl := NewSignalWSController(o, limiter, 0, 0)

	// The replacing connection already holds the session and used its window.
	live := &app.Session{ID: "sid"}
	o.Registry.Bind(live)
	if !limiter.Allow("sid") {
		t.Fatal("first message rejected")
	}

	ctl.forget("sid")
	if limiter.Allow("sid") {
		t.Fatal("replaced connection reset the live session's window")
	}

	o.Registry.Unbind(live)
	ctl.forget("sid")
	if !limiter.Allow("sid") {
		t.Fatal("window kept after the last connection left")
	}
}
