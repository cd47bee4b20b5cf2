package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bazelment/coxswain/driver"
	"github.com/bazelment/coxswain/inputfeed"
)

const subscriberBuffer = 64

// steerMessage is what an observer sends to inject steering input.
type steerMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Server accepts websocket observers for a running turn. Driver events go
// out as JSON; inbound steer messages are pushed into the input feed.
type Server struct {
	feed     *inputfeed.Feed
	events   *broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
}

// NewServer creates a relay around feed. Publish connects it to a driver
// via the driver's OnEvent hook.
func NewServer(feed *inputfeed.Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	return &Server{
		feed:   feed,
		events: newBroadcaster(logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			// The relay binds to loopback or an operator-chosen address;
			// origin enforcement is left to whatever fronts it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish fans one driver event out to every connected observer.
func (s *Server) Publish(ev driver.Event) {
	s.events.Broadcast(ev)
}

// Close disconnects all observers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.events.CloseAll()
}

// ServeHTTP upgrades the request and runs the observer until either side
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	ch := s.events.Subscribe(id, subscriberBuffer)
	s.logger.Info("observer attached", "observer", id, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	go s.readPump(ctx, cancel, conn, id)
	s.writePump(ctx, conn, ch)

	cancel()
	s.events.Unsubscribe(id)
	conn.Close()
	s.logger.Info("observer detached", "observer", id)
}

// readPump consumes observer messages. Steer messages land in the feed;
// anything else is ignored.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id string) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg steerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("unparseable observer message", "observer", id, "error", err)
			continue
		}
		if msg.Type != "steer" {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		if err := s.feed.Push("relay:"+id, text); err != nil {
			s.logger.Warn("steer rejected, feed closed", "observer", id)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// writePump pushes events to the observer until the subscription closes.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, ch <-chan driver.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "run finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
