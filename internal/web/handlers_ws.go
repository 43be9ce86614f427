package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"obc-harness/internal/events"
)

const (
	wsQueueSize    = 256
	wsClientBuffer = 64
	wsWriteTimeout = 10 * time.Second
	// wsMaxMissed is how many consecutive events a client may miss before
	// it is disconnected.
	wsMaxMissed = 16
)

// wsMessage is one frame sent to a client. Seq counts the events the hub
// has streamed; a jump in Seq means the client missed events.
type wsMessage struct {
	Seq  uint64    `json:"seq"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// wsControl is what a client may send:
//
//	{"subscribe": ["bus.", "comm.beacon"]}
type wsControl struct {
	Subscribe []string `json:"subscribe"`
}

// streamClient is one connected WebSocket.
type streamClient struct {
	conn *websocket.Conn
	out  chan []byte

	mu       sync.Mutex
	prefixes []string // empty streams everything
	missed   int
}

func newStreamClient(conn *websocket.Conn, prefixes []string) *streamClient {
	return &streamClient{conn: conn, out: make(chan []byte, wsClientBuffer), prefixes: prefixes}
}

func (c *streamClient) subscribe(prefixes []string) {
	c.mu.Lock()
	c.prefixes = prefixes
	c.mu.Unlock()
}

func (c *streamClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prefixes) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if p == "*" || strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// offer queues msg without blocking. It reports false once the client has
// missed too many messages in a row.
func (c *streamClient) offer(msg []byte) bool {
	select {
	case c.out <- msg:
		c.missed = 0
		return true
	default:
		c.missed++
		return c.missed < wsMaxMissed
	}
}

// eventStream fans harness events out to WebSocket clients. Events are
// queued by Publish and encoded once per event on the stream goroutine.
type eventStream struct {
	logger *slog.Logger
	queue  chan events.Event

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
	seq     uint64

	done     chan struct{}
	stopOnce sync.Once
}

func newEventStream(logger *slog.Logger) *eventStream {
	return &eventStream{
		logger:  logger,
		queue:   make(chan events.Event, wsQueueSize),
		clients: make(map[*streamClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Publish queues ev for delivery. It never blocks; when the queue is full
// the event is dropped.
func (h *eventStream) Publish(ev events.Event) {
	select {
	case h.queue <- ev:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", ev.Type)
	}
}

// add registers c. It reports false after Stop.
func (h *eventStream) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

// remove unregisters c and closes its queue. Removing an unknown client is
// a no-op.
func (h *eventStream) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.out)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

func (h *eventStream) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run delivers queued events until Stop.
func (h *eventStream) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				delete(h.clients, c)
				close(c.out)
			}
			h.mu.Unlock()
			return
		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

func (h *eventStream) deliver(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	data, err := json.Marshal(wsMessage{Seq: h.seq, Type: ev.Type, Time: time.Now(), Data: ev.Data})
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		if !c.offer(data) {
			delete(h.clients, c)
			close(c.out)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Stop disconnects every client. Safe to call multiple times.
func (h *eventStream) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleWS streams harness events. ?events=bus.,comm. limits the stream to
// the given type prefixes. The first message is a "snapshot" of the bus
// states.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	var prefixes []string
	if f := r.URL.Query().Get("events"); f != "" {
		prefixes = strings.Split(f, ",")
	}
	client := newStreamClient(conn, prefixes)

	snapshot, err := json.Marshal(wsMessage{Type: "snapshot", Time: time.Now(), Data: s.busStates()})
	if err == nil {
		client.out <- snapshot
	}
	if !s.stream.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stream.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	go s.wsWriter(client)
	s.wsReader(ctx, client)
	s.stream.remove(client)
}

func (s *Server) wsWriter(c *streamClient) {
	for msg := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReader(ctx context.Context, c *streamClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsControl
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ws: ignoring client message", "err", err)
			continue
		}
		c.subscribe(msg.Subscribe)
	}
}
