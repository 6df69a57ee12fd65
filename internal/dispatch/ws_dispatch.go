package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dash/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 10 * time.Second

// WSSession is one connected feed client. Writes are serialized since
// gorilla connections allow a single concurrent writer.
type WSSession struct {
	UserID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSRegistry holds the open feed sockets, several per user allowed.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]map[*WSSession]struct{})}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{UserID: userID, conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[*WSSession]struct{})
	}
	r.sessions[userID][s] = struct{}{}
	observability.FeedSockets.Inc()
	return s
}

func (r *WSRegistry) Remove(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.sessions[s.UserID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.UserID)
	}
	observability.FeedSockets.Dec()
}

// Push sends v to every socket of userID.
func (r *WSRegistry) Push(userID string, v any) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[userID]))
	for s := range r.sessions[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range targets {
		errs = append(errs, s.Send(v))
	}
	return errors.Join(errs...)
}

// Connected reports the number of open sockets for userID.
func (r *WSRegistry) Connected(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID])
}

func (r *WSRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}

// CloseAll sends a going-away close frame to every socket and closes it.
func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]map[*WSSession]struct{})
	r.mu.Unlock()
	for _, set := range all {
		for s := range set {
			s.mu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
			_ = s.conn.Close()
			s.mu.Unlock()
			observability.FeedSockets.Dec()
		}
	}
}
