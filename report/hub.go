package report

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"upscaler/task"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/lithammer/shortuuid/v4"
)

var ErrUnknownAlert = errors.New("unknown alert")

const (
	clientBuffer = 256
	writeTimeout = 10 * time.Second
	// maxLines bounds the in-memory log; the oldest lines are dropped first.
	maxLines = 10000
)

// Message is one frame of the event stream.
type Message struct {
	Type      string      `json:"type"`
	AlertID   string      `json:"alertId,omitempty"`
	Event     *task.Event `json:"event,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Alert is a failure waiting for acknowledgement.
type Alert struct {
	ID       string     `json:"id"`
	Event    task.Event `json:"event"`
	RaisedAt time.Time  `json:"raisedAt"`

	ack chan struct{}
}

type client struct {
	id   string
	send chan Message
}

// Hub keeps a bounded log of the status lines and streams events to
// websocket clients. Alerts block until acknowledged, the run context ends
// or the alert timeout passes.
type Hub struct {
	logger       hclog.Logger
	alertTimeout time.Duration
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	lines    []string
	dropped  int
	maxLines int
	clients  map[string]*client
	alerts   map[string]*Alert
}

func NewHub(alertTimeout time.Duration, logger hclog.Logger) *Hub {
	return &Hub{
		logger:       logger.Named("hub"),
		alertTimeout: alertTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxLines: maxLines,
		clients:  make(map[string]*client),
		alerts:   make(map[string]*Alert),
	}
}

func (h *Hub) Notify(e task.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, e.Line)
	if over := len(h.lines) - h.maxLines; over > 0 {
		over = max(over, h.maxLines/2)
		h.lines = append(h.lines[:0:0], h.lines[over:]...)
		h.dropped += over
	}
	h.broadcastLocked(Message{Type: "event", Event: &e, Timestamp: e.Time.Unix()})
}

func (h *Hub) Alert(ctx context.Context, e task.Event) error {
	a := &Alert{ID: shortuuid.New(), Event: e, RaisedAt: time.Now(), ack: make(chan struct{})}

	h.mu.Lock()
	h.broadcastLocked(Message{Type: "alert", AlertID: a.ID, Event: &a.Event, Timestamp: a.RaisedAt.Unix()})
	if h.alertTimeout <= 0 {
		h.mu.Unlock()
		return nil
	}
	h.alerts[a.ID] = a
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.alerts, a.ID)
		h.mu.Unlock()
	}()

	timer := time.NewTimer(h.alertTimeout)
	defer timer.Stop()
	select {
	case <-a.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		h.logger.Warn("alert not acknowledged, continuing", "alert", a.ID, "task", e.TaskID, "timeout", h.alertTimeout)
		return nil
	}
}

// Ack releases the worker blocked on alert id.
func (h *Hub) Ack(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.alerts[id]
	if !ok {
		return ErrUnknownAlert
	}
	close(a.ack)
	delete(h.alerts, id)
	return nil
}

func (h *Hub) PendingAlerts() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, 0, len(h.alerts))
	for _, a := range h.alerts {
		out = append(out, *a)
	}
	return out
}

// Lines returns the log lines from index since onwards and the index to ask
// for next. Indexes count every line ever logged, so lines that were already
// dropped are simply skipped.
func (h *Hub) Lines(since int) ([]string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.dropped + len(h.lines)
	from := min(max(since-h.dropped, 0), len(h.lines))
	out := make([]string, len(h.lines)-from)
	copy(out, h.lines[from:])
	return out, next
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams messages until the client goes
// away. Clients that fall behind are disconnected.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &client{id: shortuuid.New(), send: make(chan Message, clientBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", "client", c.id)

	go func() {
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
			}
		}
		// Dropped for being slow.
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	h.removeLocked(c.id)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", "client", c.id)
	return nil
}

func (h *Hub) broadcastLocked(msg Message) {
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow client", "client", id)
			h.removeLocked(id)
		}
	}
}

func (h *Hub) removeLocked(id string) {
	if c, ok := h.clients[id]; ok {
		close(c.send)
		delete(h.clients, id)
	}
}
