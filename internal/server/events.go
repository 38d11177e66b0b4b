package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/delegate"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

const (
	writeWait    = 10 * time.Second
	eventBuffer  = 256
	maxFrameSize = 4096
)

// ClientMessage is what a subscriber may send
type ClientMessage struct {
	Type string `json:"type"`
}

// ServerMessage frames control replies on the event stream
type ServerMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) upgrader() websocket.Upgrader {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, o := range s.config.AllowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// streamEvents upgrades to a WebSocket and forwards embedder notifications.
// A page query parameter restricts the stream to one page. Clients may
// send {"type":"ping"} and get a pong back.
func (s *Server) streamEvents(c *gin.Context) {
	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	filter := id.PageID(c.Query("page"))
	events, unsubscribe := s.events.Subscribe(eventBuffer)
	defer unsubscribe()

	s.metrics.IncWSConnections()
	defer s.metrics.DecWSConnections()
	s.logger.Debug("Event subscriber connected", zap.String("remote", c.ClientIP()), zap.Stringer("page", filter))

	// Only this goroutine writes to conn; the reader just reports pings.
	pings := make(chan struct{}, 1)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.metrics.RecordWSMessage("in", msg.Type)
			if msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := s.write(conn, ServerMessage{Type: "system", Message: "subscribed"}); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-pings:
			if err := s.write(conn, ServerMessage{Type: "pong"}); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && e.PageID != filter {
				continue
			}
			if err := s.writeEvent(conn, e); err != nil {
				s.logger.Debug("Event subscriber gone", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg ServerMessage) error {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.metrics.RecordWSMessage("out", msg.Type)
	return conn.WriteJSON(msg)
}

func (s *Server) writeEvent(conn *websocket.Conn, e delegate.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.metrics.RecordWSMessage("out", string(e.Type))
	return conn.WriteJSON(e)
}
