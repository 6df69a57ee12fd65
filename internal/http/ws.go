package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dash/internal/dispatch"
	"github.com/example/ride-dash/internal/feed"
	"github.com/example/ride-dash/internal/models"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/tracker"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxFrame     = 4096

	msgSnapshot = "snapshot"
	msgSession  = "session"
	msgPosition = "position"
	msgError    = "error"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// feedMessage is every frame the server writes on /ws/feed.
type feedMessage struct {
	Type     string           `json:"type"`
	Snapshot *feed.Snapshot   `json:"snapshot,omitempty"`
	Tracking tracker.State    `json:"tracking,omitempty"`
	Session  *session.Session `json:"session,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// inboundMessage is what clients may send. Only drivers send positions.
type inboundMessage struct {
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func (s *Server) feedSession(r *http.Request) (session.Session, error) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = r.Header.Get("Authorization")
	}
	return s.tokens.Parse(tok)
}

// handleFeed streams the caller's board. For drivers the socket also keeps
// the position tracker aligned with the active ride and carries device
// readings upstream.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	sess, err := s.feedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subscriber := r.URL.Query().Get("client")
	if subscriber == "" {
		subscriber = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "uid", sess.UserID, "error", err)
		return
	}
	ws := s.sockets.Add(sess.UserID, conn)
	defer conn.Close()
	defer s.sockets.Remove(ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	board, err := s.feeds.Board(ctx, sess, subscriber)
	if err != nil {
		_ = ws.Send(feedMessage{Type: msgError, Error: err.Error()})
		return
	}
	defer board.Close()

	s.logger.Info("feed_opened", "uid", sess.UserID, "role", sess.Role, "subscriber", subscriber)
	go s.readFeed(ctx, cancel, conn, ws, sess)
	s.writeFeed(ctx, ws, sess, board)

	if sess.IsDriver() {
		// the last socket of a driver takes the tracker down with it
		s.sockets.Remove(ws)
		if s.sockets.Connected(sess.UserID) == 0 {
			s.tracker.Stop(sess.UserID)
		}
	}
	s.logger.Info("feed_closed", "uid", sess.UserID, "subscriber", subscriber)
}

func (s *Server) writeFeed(ctx context.Context, ws *dispatch.WSSession, sess session.Session, board *feed.Board) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-board.Updates():
			if !ok {
				return
			}
			msg := feedMessage{Type: msgSnapshot, Snapshot: &snap}
			if sess.IsDriver() {
				state, err := s.tracker.Sync(sess, snap.Active)
				if err != nil {
					s.logger.Warn("tracker_sync_failed", "driver_id", sess.UserID, "error", err)
				}
				msg.Tracking = state
			}
			if err := ws.Send(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.Ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) readFeed(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, ws *dispatch.WSSession, sess session.Session) {
	defer cancel()
	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var in inboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws_read_failed", "uid", sess.UserID, "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if in.Type != msgPosition {
			continue
		}
		pos := models.Position{Lat: in.Lat, Lng: in.Lng}
		if !sess.IsDriver() || !validPosition(pos) {
			_ = ws.Send(feedMessage{Type: msgError, Error: "position rejected"})
			continue
		}
		s.positions.Report(sess.UserID, pos)
	}
}
