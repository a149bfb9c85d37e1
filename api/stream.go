package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/arbai/pkg/models"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamMessage struct {
	Type          string             `json:"type"`
	Opportunities []models.Candidate `json:"opportunities"`
	Timestamp     int64              `json:"timestamp"`
}

// handleStream pushes the current ranked list on connect and every cycle
// after that until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade stream connection")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.agent.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(opps []models.Candidate) error {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(streamMessage{
			Type:          "opportunities",
			Opportunities: opps,
			Timestamp:     time.Now().UnixMilli(),
		})
	}

	current, _ := s.agent.Opportunities()
	if err := send(current); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case opps := <-updates:
			if err := send(opps); err != nil {
				s.logger.WithError(err).Debug("Stream client write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
