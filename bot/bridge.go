package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/telemetry"
)

// Callbacks are the controller's handlers. Any field may be nil. They are
// never invoked concurrently with each other.
type Callbacks struct {
	OnMessage func(channel, user, text string, messages, points int)
	OnStatus  func(channel string, status Status)
	OnLog     func(channel string, level LogLevel, line string)
	OnRaid    func(channel, raider string, viewers int)
}

// EventKind enumerates what a worker can report upward.
type EventKind int

const (
	EventMessageReceived EventKind = iota + 1
	EventStatusChanged
	EventLogLine
	EventRaidReceived
	eventSync
)

func (k EventKind) String() string {
	switch k {
	case EventMessageReceived:
		return "message"
	case EventStatusChanged:
		return "status"
	case EventLogLine:
		return "log"
	case EventRaidReceived:
		return "raid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one bridged occurrence. Which fields are set depends on Kind.
type Event struct {
	Kind     EventKind
	Channel  string
	At       time.Time
	User     string
	Text     string
	Messages int
	Points   int
	Status   Status
	Level    LogLevel
	Viewers  int

	ack chan struct{}
}

// Bridge delivers worker events to the controller's callbacks from a single
// dispatch goroutine, in the order they were emitted. A panicking callback is
// recovered and logged; later events still dispatch. Emit never blocks, so a
// callback may call back into the Manager.
type Bridge struct {
	mu sync.RWMutex
	cb Callbacks

	qmu     sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewBridge starts the dispatcher. capacity presizes the pending queue.
func NewBridge(capacity int) *Bridge {
	if capacity <= 0 {
		capacity = 256
	}
	b := &Bridge{
		pending: make([]Event, 0, capacity),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// SetCallbacks replaces all handlers at once.
func (b *Bridge) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// Emit queues ev. It reports false once the bridge is closed.
func (b *Bridge) Emit(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return false
	}
	b.pending = append(b.pending, ev)
	n := len(b.pending)
	b.qmu.Unlock()
	telemetry.SetBridgeBacklog(n)
	b.signal()
	return true
}

func (b *Bridge) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) MessageReceived(channel, user, text string, messages, points int) {
	b.Emit(Event{Kind: EventMessageReceived, Channel: channel, User: user, Text: text, Messages: messages, Points: points})
}

func (b *Bridge) StatusChanged(channel string, status Status) {
	b.Emit(Event{Kind: EventStatusChanged, Channel: channel, Status: status})
}

func (b *Bridge) Log(channel string, level LogLevel, line string) {
	b.Emit(Event{Kind: EventLogLine, Channel: channel, Level: level, Text: line})
}

func (b *Bridge) RaidReceived(channel, raider string, viewers int) {
	b.Emit(Event{Kind: EventRaidReceived, Channel: channel, User: raider, Viewers: viewers})
}

// Sync blocks until every event emitted before the call has been dispatched.
func (b *Bridge) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	if !b.Emit(Event{Kind: eventSync, ack: ack}) {
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, dispatches what is already queued and waits
// for the dispatcher to exit.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.qmu.Lock()
		b.closed = true
		b.qmu.Unlock()
		b.signal()
	})
	<-b.done
}

func (b *Bridge) dispatchLoop() {
	defer close(b.done)
	for {
		b.qmu.Lock()
		batch := b.pending
		b.pending = nil
		closed := b.closed
		b.qmu.Unlock()

		for i, ev := range batch {
			telemetry.SetBridgeBacklog(len(batch) - i - 1)
			b.dispatch(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-b.wake
	}
}

func (b *Bridge) dispatch(ev Event) {
	if ev.Kind == eventSync {
		close(ev.ack)
		return
	}
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	switch ev.Kind {
	case EventMessageReceived:
		if cb.OnMessage != nil {
			b.invoke(ev, func() { cb.OnMessage(ev.Channel, ev.User, ev.Text, ev.Messages, ev.Points) })
		}
	case EventStatusChanged:
		if cb.OnStatus != nil {
			b.invoke(ev, func() { cb.OnStatus(ev.Channel, ev.Status) })
		}
	case EventLogLine:
		if cb.OnLog != nil {
			b.invoke(ev, func() { cb.OnLog(ev.Channel, ev.Level, ev.Text) })
		}
	case EventRaidReceived:
		if cb.OnRaid != nil {
			b.invoke(ev, func() { cb.OnRaid(ev.Channel, ev.User, ev.Viewers) })
		}
	}
}

func (b *Bridge) invoke(ev Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Inc(telemetry.CallbackPanics)
			slog.Error("bridge callback panicked",
				slog.String("kind", ev.Kind.String()),
				slog.String("channel", ev.Channel),
				slog.Any("panic", r),
				slog.String("component", "bridge"))
		}
	}()
	fn()
}
