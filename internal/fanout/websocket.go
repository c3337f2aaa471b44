package fanout

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

// Server upgrades HTTP requests to websocket subscriber connections on a Hub.
// The handshake itself is not authenticated; clients send an authenticate
// frame afterwards.
type Server struct {
	hub      *Hub
	origins  func() []string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer serves hub. origins is consulted on every handshake, so it may
// return a hot-reloaded list; nil allows only same-origin browsers.
func NewServer(hub *Hub, origins func() []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{hub: hub, origins: origins, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := s.hub.Connect()
	s.logger.Debug("subscriber connected", "conn_id", c.ID, "remote", r.RemoteAddr)

	go s.writePump(ws, c)
	s.readPump(r, ws, c)
}

func (s *Server) readPump(r *http.Request, ws *websocket.Conn, c *Conn) {
	defer func() {
		s.hub.Disconnect(c)
		ws.Close()
		s.logger.Debug("subscriber disconnected", "conn_id", c.ID)
	}()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("subscriber read error", "conn_id", c.ID, "err", err)
			}
			return
		}
		if s.hub.Dispatch(r.Context(), c, raw) {
			return
		}
	}
}

func (s *Server) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.Disconnect(c)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Disconnect(c)
				return
			}
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if s.origins == nil {
		return false
	}
	for _, o := range s.origins() {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return true
		}
	}
	return false
}
