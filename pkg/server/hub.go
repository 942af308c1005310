package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/trailcache/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// PopulationMessage is published to WebSocket clients for every population event
type PopulationMessage struct {
	Type     string    `json:"type"`
	ID       string    `json:"id"`
	Event    string    `json:"event"`
	Progress float64   `json:"progress"`
	CacheHit bool      `json:"cache_hit"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// subscriber is one WebSocket client. Only its write loop writes to conn.
type subscriber struct {
	conn  *websocket.Conn
	trail string // events of this trail only; empty for all trails
	send  chan PopulationMessage
}

func (s *subscriber) wants(msg PopulationMessage) bool {
	return s.trail == "" || s.trail == msg.ID
}

// EventHub fans population events out to WebSocket subscribers. A client
// connecting with ?id=<trail> only receives the events of that trail.
type EventHub struct {
	subscribers map[*subscriber]struct{}
	register    chan *subscriber
	unregister  chan *subscriber
	publish     chan PopulationMessage
	done        chan struct{}

	mu sync.RWMutex
}

// NewEventHub creates a new WebSocket hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[*subscriber]struct{}),
		register:    make(chan *subscriber, config.WSChannelBuffer),
		unregister:  make(chan *subscriber, config.WSChannelBuffer),
		publish:     make(chan PopulationMessage, config.WSPublishBuffer),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop. Subscribers are disconnected when ctx ends.
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subscribers {
				h.dropLocked(s)
			}
			h.mu.Unlock()
			return
		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = struct{}{}
			count := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("WebSocket client subscribed to %s (total: %d)", describeFilter(s.trail), count)
		case s := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(s)
			count := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", count)
		case msg := <-h.publish:
			h.mu.Lock()
			for s := range h.subscribers {
				if !s.wants(msg) {
					continue
				}
				select {
				case s.send <- msg:
				default:
					log.Printf("WebSocket client too slow, disconnecting")
					h.dropLocked(s)
				}
			}
			h.mu.Unlock()
		}
	}
}

// dropLocked removes s and closes its queue, which ends its write loop
func (h *EventHub) dropLocked(s *subscriber) {
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.send)
	}
}

// Publish queues msg for the subscribers of its trail. It never blocks:
// when the queue is full the message is dropped.
func (h *EventHub) Publish(msg PopulationMessage) {
	if !h.HasClients() {
		return
	}
	select {
	case h.publish <- msg:
	default:
		log.Printf("Publish queue full, dropping %s event of %s", msg.Event, msg.ID)
	}
}

// HasClients returns true if there are any connected WebSocket clients
func (h *EventHub) HasClients() bool {
	return h.Subscribers("") > 0
}

// Subscribers counts the clients that receive events of trail id. An
// empty id counts every client.
func (h *EventHub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id == "" {
		return len(h.subscribers)
	}
	n := 0
	for s := range h.subscribers {
		if s.wants(PopulationMessage{ID: id}) {
			n++
		}
	}
	return n
}

// HandleWebSocket upgrades the request and keeps the client subscribed
// until it goes away
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s := &subscriber{
		conn:  conn,
		trail: r.URL.Query().Get("id"),
		send:  make(chan PopulationMessage, config.WSClientBuffer),
	}

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go s.writeLoop()
	s.readLoop()

	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// writeLoop delivers queued messages and pings until the queue is closed
// or a write fails
func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes control frames until the connection fails
func (s *subscriber) readLoop() {
	s.conn.SetReadLimit(config.WSReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func describeFilter(id string) string {
	if id == "" {
		return "all trails"
	}
	return "trail " + id
}
