package events

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	clientBacklog  = 64
	shutdownWindow = 2 * time.Second
)

// WSSink streams the bus's events as JSON to attached websocket clients.
// A thin status layer connects to it; the engine never depends on it.
type WSSink struct {
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewWSSink subscribes to every event on bus and serves websocket clients
// at addr (path /events). Call Close to stop.
func NewWSSink(bus *Bus, addr string) (*WSSink, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &WSSink{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listener: ln,
		clients:  make(map[*wsClient]struct{}),
	}
	bus.SubscribeAll(s.broadcast)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handle)
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Warnw("events: websocket sink stopped", "addr", addr, "err", err)
		}
	}()
	return s, nil
}

// Addr reports the bound listen address.
func (s *WSSink) Addr() string { return s.listener.Addr().String() }

func (s *WSSink) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugw("events: websocket upgrade failed", "err", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan Event, clientBacklog)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	logging.Infow("events: websocket client connected", "remote", conn.RemoteAddr().String())
	go s.writePump(c)
}

func (s *WSSink) writePump(c *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()
	for e := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(e); err != nil {
			logging.Debugw("events: websocket write failed, dropping client", "err", err)
			return
		}
	}
}

// broadcast is the bus listener: fan the event into each client's buffer,
// dropping for clients that cannot keep up so the bus never blocks.
func (s *WSSink) broadcast(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- e:
		default:
		}
	}
}

// Close shuts the HTTP server down and disconnects every client.
func (s *WSSink) Close() error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	return s.server.Shutdown(ctx)
}
