package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/negotiation"
)

var errSendQueueFull = errors.New("send queue full")

// sender owns every write to the WebSocket.
type sender struct {
	ws    *websocket.Conn
	queue chan []byte
}

func newSender(ws *websocket.Conn) *sender {
	return &sender{ws: ws, queue: make(chan []byte, 64)}
}

func (s *sender) SendMessage(m negotiation.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case s.queue <- b:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *sender) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-s.queue:
			_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Error().Err(err).Str("module", "peer").Msg("write signaling")
				return
			}
		}
	}
}
