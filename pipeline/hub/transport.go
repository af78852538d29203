package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// controlMessage is the inbound half of the stream: only control messages
// (subscribe, unsubscribe, ping/pong) ever travel this direction. Domain
// mutations go through the explicit workflow-control operations, never
// through the hub (spec §4.6 "Bidirectionality").
type controlMessage struct {
	Op    string `json:"op"` // "subscribe" | "unsubscribe" | "ping"
	RunID string `json:"run_id,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Server upgrades incoming HTTP requests to websocket connections and wires
// each one to a Hub subscriber (spec §4.6's transport, grounded on the
// read/ping/pong pump pattern other real-time servers in this codebase use).
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer wraps hub for websocket transport. checkOrigin may be nil to
// allow all origins (appropriate for a same-origin deployment; callers
// serving across origins should supply a real check).
func NewServer(h *Hub, checkOrigin func(r *http.Request) bool) *Server {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection, registers a subscriber, and runs its
// read and write pumps until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	handle := s.hub.Connect()
	defer s.hub.Disconnect(handle.SubscriberID)

	done := make(chan struct{})
	go s.writePump(conn, handle, done)
	s.readPump(conn, handle.SubscriberID, done)
}

// readPump processes inbound control messages until the connection closes,
// then signals the write pump to stop via done.
func (s *Server) readPump(conn *websocket.Conn, subscriberID string, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Op {
		case "subscribe":
			s.hub.Subscribe(subscriberID, msg.RunID)
		case "unsubscribe":
			s.hub.Unsubscribe(subscriberID, msg.RunID)
		case "ping":
			// Accepted and ignored: no pong message is written back. The
			// read deadline is extended only by websocket pong frames
			// answering the write pump's pings.
		}
	}
}

// writePump delivers published events and periodic pings to the client
// until done fires or a write fails.
func (s *Server) writePump(conn *websocket.Conn, handle Handle, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return

		case event, ok := <-handle.Events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
