package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/tracklist-feeds/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
)

// liveMessage is pushed to live subscribers on connect and after every
// snapshot change.
type liveMessage struct {
	Version uint64                     `json:"version"`
	Items   []domain.FeedItem          `json:"items"`
	Reasons map[string][]domain.Reason `json:"reasons,omitempty"`
}

// handleLiveFeed upgrades to a websocket and pushes the viewer's first
// page every time the snapshot changes. Pages are recomputed in full; a
// client that falls behind only receives the latest.
func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	req, err := s.feedParams(r)
	if err != nil {
		s.writeServiceError(w, err, "open live feed")
		return
	}
	req.Cursor = ""

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	versions, unsubscribe := s.feedService.Subscribe()
	defer unsubscribe()

	s.logger.Info("live feed opened", "viewer", req.ViewerID, "view", req.View)
	defer s.logger.Info("live feed closed", "viewer", req.ViewerID, "view", req.View)

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	send := func() bool {
		page, err := s.feedService.GetFeed(r.Context(), req)
		if err != nil {
			s.logger.Error("failed to compute live feed", "viewer", req.ViewerID, "error", err)
			return false
		}
		msg := liveMessage{Version: page.Version, Items: page.Items, Reasons: page.Reasons}
		if msg.Items == nil {
			msg.Items = []domain.FeedItem{}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("live feed write failed", "error", err)
			return false
		}
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-s.closing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-versions:
			if !send() {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed, and closes done when the connection ends.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
