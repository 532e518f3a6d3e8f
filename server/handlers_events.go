package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
)

const (
	defaultHubBuffer  = 64
	heartbeatInterval = 15 * time.Second
)

// StreamEvent is one bridge event as sent to SSE clients.
type StreamEvent struct {
	Type     string       `json:"type"`
	Channel  string       `json:"channel,omitempty"`
	User     string       `json:"user,omitempty"`
	Text     string       `json:"text,omitempty"`
	Messages int          `json:"messages,omitempty"`
	Points   int          `json:"points,omitempty"`
	Status   bot.Status   `json:"status,omitempty"`
	Level    bot.LogLevel `json:"level,omitempty"`
	Viewers  int          `json:"viewers,omitempty"`
	Time     time.Time    `json:"time"`
}

// Hub fans bridge callbacks out to SSE subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]chan StreamEvent
	buffer  int
	dropped int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{subs: make(map[string]chan StreamEvent), buffer: buffer}
}

// Callbacks adapts the hub to bot.Bridge callbacks.
func (h *Hub) Callbacks() bot.Callbacks {
	return bot.Callbacks{
		OnMessage: func(channel, user, text string, messages, points int) {
			h.publish(StreamEvent{Type: "message", Channel: channel, User: user, Text: text, Messages: messages, Points: points})
		},
		OnStatus: func(channel string, status bot.Status) {
			h.publish(StreamEvent{Type: "status", Channel: channel, Status: status})
		},
		OnLog: func(channel string, level bot.LogLevel, line string) {
			h.publish(StreamEvent{Type: "log", Channel: channel, Level: level, Text: line})
		},
		OnRaid: func(channel, raider string, viewers int) {
			h.publish(StreamEvent{Type: "raid", Channel: channel, User: raider, Viewers: viewers})
		},
	}
}

// Subscribe registers a client. The returned cancel must be called once.
func (h *Hub) Subscribe() (id string, events <-chan StreamEvent, cancel func()) {
	id = uuid.NewString()
	ch := make(chan StreamEvent, h.buffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) publish(ev StreamEvent) {
	ev.Time = time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// HandleEvents streams bridge events as Server-Sent Events. An optional
// ?channel= query restricts the stream to one channel plus global lines.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := bot.NormalizeChannel(r.URL.Query().Get("channel"))

	id, events, cancel := h.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, ": connected %s\n\n", id); err != nil {
		return
	}
	flusher.Flush()
	slog.Debug("sse client connected", slog.String("client", id), slog.String("component", "http"))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx := r.Context()
	var seq int
	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse client gone", slog.String("client", id), slog.String("component", "http"))
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if filter != "" && ev.Channel != "" && ev.Channel != filter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode SSE event", slog.Any("err", err))
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
