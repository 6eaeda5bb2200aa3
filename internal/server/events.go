package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/umbra/internal/filecache"
	"github.com/ssd-technologies/umbra/internal/ratelimit"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
)

// WSMessage is a client request on the events socket.
type WSMessage struct {
	Type    string          `json:"type"` // "ping", "stats"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSResponse is a JSON message sent to the client.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans cache events out to websocket subscribers. A subscriber that
// falls behind loses events rather than stalling the cache.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan filecache.Event]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{subs: make(map[chan filecache.Event]struct{}), logger: logger}
}

// Publish delivers ev to every subscriber without blocking. It is meant to
// be installed with filecache.WithEventHook.
func (h *Hub) Publish(ev filecache.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug().Str("event", string(ev.Type)).Msg("subscriber behind, event dropped")
		}
	}
}

func (h *Hub) subscribe() chan filecache.Event {
	ch := make(chan filecache.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan filecache.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *Hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents handles GET /api/events. It upgrades to a websocket, streams
// cache events and answers ping and stats requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	// gorilla/websocket allows one concurrent writer.
	var writeMu sync.Mutex
	send := func(resp WSResponse) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(resp)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readRequests(conn, send)
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := send(WSResponse{Type: "event", Payload: ev}); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}

func (s *Server) readRequests(conn *websocket.Conn, send func(WSResponse) error) {
	limiter := ratelimit.New(60, time.Minute)
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}

		if !limiter.Allow() {
			if send(wsError("rate limit exceeded")) != nil {
				return
			}
			continue
		}

		var resp WSResponse
		switch msg.Type {
		case "ping":
			resp = WSResponse{Type: "pong", Payload: map[string]string{"status": "ok"}}
		case "stats":
			resp = WSResponse{Type: "stats", Payload: s.cache.Stats()}
		default:
			resp = wsError("unknown message type: " + msg.Type)
		}
		if err := send(resp); err != nil {
			return
		}
	}
}

func wsError(message string) WSResponse {
	return WSResponse{
		Type:    "error",
		Payload: map[string]string{"error": message},
	}
}
