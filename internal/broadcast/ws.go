package broadcast

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pulse/api/internal/auth"
	"pulse/api/internal/util"
)

// Server upgrades HTTP requests to persistent connections and bridges them to
// the hub. Each connection runs a read pump (control messages, heartbeat
// deadline) and a write pump (the only goroutine touching the socket's write
// side).
type Server struct {
	hub               *Hub
	tokenSecret       []byte
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	writeTimeout      time.Duration
	upgrader          websocket.Upgrader
}

func NewServer(hub *Hub, tokenSecret []byte, heartbeatInterval, heartbeatTimeout time.Duration) *Server {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 25 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &Server{
		hub:               hub,
		tokenSecret:       tokenSecret,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		writeTimeout:      5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broadcast: upgrade failed: %v", err)
		return
	}

	viewerID := ""
	if token := r.URL.Query().Get("token"); token != "" {
		if claims, err := auth.ParseToken(s.tokenSecret, token); err == nil {
			viewerID = claims.ViewerID
		}
	}

	connID := util.NewID("conn")
	send := s.hub.Register(connID, viewerID, 16)

	go s.writePump(connID, sock, send)
	s.readPump(connID, viewerID, sock)
}

// readPump processes inbound control messages until the connection dies or
// goes silent past the heartbeat timeout, then drops every subscription the
// connection holds.
func (s *Server) readPump(connID, viewerID string, sock *websocket.Conn) {
	defer s.hub.DropConnection(connID)

	_ = sock.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	for {
		var env Envelope
		if err := sock.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("broadcast: connection %s read error: %v", connID, err)
			}
			return
		}
		_ = sock.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))

		switch env.Type {
		case TypeSubscribe:
			if env.ContentRef == nil {
				continue
			}
			if viewerID == "" && env.ViewerID != "" {
				viewerID = env.ViewerID
				s.hub.SetViewer(connID, viewerID)
			}
			s.hub.Subscribe(connID, *env.ContentRef)
		case TypeUnsubscribe:
			if env.ContentRef == nil {
				continue
			}
			s.hub.Unsubscribe(connID, *env.ContentRef)
		case TypeHeartbeat:
			s.hub.TrySend(connID, Envelope{Type: TypeHeartbeatAck})
		case TypeHeartbeatAck:
			// Deadline already refreshed above.
		}
	}
}

// writePump serializes all writes to one socket and emits server heartbeats
// on a fixed interval.
func (s *Server) writePump(connID string, sock *websocket.Conn, send chan Envelope) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = sock.Close()
	}()

	for {
		select {
		case env, ok := <-send:
			if !ok {
				_ = sock.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				_ = sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = sock.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := sock.WriteJSON(env); err != nil {
				log.Printf("broadcast: connection %s write error: %v", connID, err)
				return
			}
		case <-ticker.C:
			_ = sock.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := sock.WriteJSON(Envelope{Type: TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}
