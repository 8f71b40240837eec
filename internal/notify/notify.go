// Package notify fans stream notifications (title changes, status changes)
// out to subscribers. [Hub] keeps an in-process subscriber list and serves
// the feed to websocket clients at GET /events.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Kind classifies an [Event].
type Kind string

const (
	// KindTag is a de-duplicated metadata tag such as "title".
	KindTag Kind = "tag"

	// KindStatus is a stream status change.
	KindStatus Kind = "status"
)

// Event is one notification.
type Event struct {
	ID       uuid.UUID `json:"id"`
	StreamID string    `json:"stream_id"`
	Kind     Kind      `json:"kind"`
	Key      string    `json:"key,omitempty"`
	Value    string    `json:"value"`
	Time     time.Time `json:"time"`
}

// Notifier receives events. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(Event)

// Notify implements [Notifier].
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

// writeTimeout bounds a single websocket write to a subscriber.
const writeTimeout = 5 * time.Second

// Hub is a [Notifier] that logs every event and forwards it to all current
// subscribers. A subscriber whose buffer is full misses the event; the
// publisher never waits.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
}

type subscriber struct {
	ch     chan Event
	filter string
}

// NewHub creates an empty hub. A nil logger selects slog.Default().
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[uuid.UUID]*subscriber)}
}

// Notify implements [Notifier]. A zero ID or Time is filled in.
func (h *Hub) Notify(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.log.Info("notify: event", "stream_id", ev.StreamID, "kind", ev.Kind, "key", ev.Key, "value", ev.Value)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if sub.filter != "" && sub.filter != ev.StreamID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn("notify: subscriber too slow, event dropped", "subscriber", id, "event", ev.ID)
		}
	}
}

// Subscribe registers a subscriber with a buffer of size events. When
// streamID is non-empty only that stream's events are delivered. The
// returned cancel function unregisters and closes the channel.
func (h *Hub) Subscribe(streamID string, size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 16
	}
	id := uuid.New()
	sub := &subscriber{ch: make(chan Event, size), filter: streamID}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a websocket and streams events as JSON
// text frames until the client goes away. The optional query parameter
// "stream" restricts the feed to one stream id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("notify: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.Subscribe(r.URL.Query().Get("stream"), 0)
	defer cancel()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				h.log.Debug("notify: subscriber gone", "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
