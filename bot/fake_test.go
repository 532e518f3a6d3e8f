package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport hands out fakeSessions and publishes each one once its Run
// loop has started, so tests never inject events before handlers exist.
type fakeTransport struct {
	connectErr error
	noReady    bool
	// panicOnSend makes every session's Send panic.
	panicOnSend bool
	closeGate   chan struct{}

	running chan *fakeSession
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{running: make(chan *fakeSession, 16)}
}

func (t *fakeTransport) Connect(_ context.Context, token, channel string) (Session, error) {
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return &fakeSession{
		transport: t,
		channel:   channel,
		token:     token,
		closed:    make(chan struct{}),
		fail:      make(chan error, 1),
	}, nil
}

type fakeSession struct {
	transport *fakeTransport
	channel   string
	token     string

	onReady func()
	onMsg   func(ChatMessage)
	onSub   func(Subscription)

	mu   sync.Mutex
	sent []string

	closeOnce sync.Once
	closed    chan struct{}
	fail      chan error
}

func (s *fakeSession) OnReady(fn func())                    { s.onReady = fn }
func (s *fakeSession) OnMessage(fn func(ChatMessage))       { s.onMsg = fn }
func (s *fakeSession) OnSubscription(fn func(Subscription)) { s.onSub = fn }

func (s *fakeSession) Run() error {
	if !s.transport.noReady {
		s.onReady()
	}
	s.transport.running <- s
	select {
	case <-s.closed:
		return nil
	case err := <-s.fail:
		return err
	}
}

func (s *fakeSession) Send(text string) error {
	if s.transport.panicOnSend {
		panic("send exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSession) Close() error {
	if s.transport.closeGate != nil {
		<-s.transport.closeGate
	}
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSession) say(user, text string) {
	s.onMsg(ChatMessage{User: user, Text: text})
}

// memStore is an in-memory Store that counts writes.
type memStore struct {
	mu       sync.Mutex
	states   map[string]ChannelState
	global   []AutoResponse
	upserts  int
	deletes  int
	raids    []string
	saves    int
	failSave bool
	failLoad bool
	// loadGate, when set, holds LoadChannelState until it is closed.
	loadGate chan struct{}
}

func newMemStore() *memStore { return &memStore{states: map[string]ChannelState{}} }

func (m *memStore) LoadChannelState(_ context.Context, channel string) (ChannelState, error) {
	if m.loadGate != nil {
		<-m.loadGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad {
		return ChannelState{}, errors.New("connection refused")
	}
	return m.states[channel], nil
}

func (m *memStore) SaveChannelState(_ context.Context, channel string, st ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSave {
		return errors.New("disk full")
	}
	prev := m.states[channel]
	prev.Points, prev.Messages = st.Points, st.Messages
	m.states[channel] = prev
	return nil
}

func (m *memStore) LoadGlobalAutoResponses(context.Context) ([]AutoResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AutoResponse(nil), m.global...), nil
}

func (m *memStore) UpsertAutoResponse(_ context.Context, channel, trigger, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if channel == "" {
		t := NewResponseTable(m.global)
		t.Set(trigger, response)
		m.global = t.List()
	}
	return nil
}

func (m *memStore) DeleteAutoResponse(_ context.Context, channel, trigger string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	return nil
}

func (m *memStore) RecordRaid(_ context.Context, channel, raider string, viewers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raids = append(m.raids, channel+":"+raider)
	return nil
}

func (m *memStore) stored(channel string) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[channel]
}

func (m *memStore) counts() (upserts, deletes, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts, m.deletes, m.saves
}

// recorder captures bridge callbacks.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	logs     []LogLevel
	lines    []string
	raids    []string
	messages int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(channel, user, text string, messages, points int) {
			r.mu.Lock()
			r.messages++
			r.mu.Unlock()
		},
		OnStatus: func(channel string, status Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, channel+":"+string(status))
			r.mu.Unlock()
		},
		OnLog: func(channel string, level LogLevel, line string) {
			r.mu.Lock()
			r.logs = append(r.logs, level)
			r.lines = append(r.lines, line)
			r.mu.Unlock()
		},
		OnRaid: func(channel, raider string, viewers int) {
			r.mu.Lock()
			r.raids = append(r.raids, raider)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func (r *recorder) hasLog(level LogLevel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.logs {
		if l == level {
			return true
		}
	}
	return false
}

type harness struct {
	t         *testing.T
	m         *Manager
	transport *fakeTransport
	store     *memStore
	rec       *recorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, transport: newFakeTransport(), store: newMemStore(), rec: &recorder{}}
	opts := Options{
		Transport:       h.transport,
		Store:           h.store,
		DisconnectGrace: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = NewManager(context.Background(), opts)
	h.m.SetCallbacks(h.rec.callbacks())
	t.Cleanup(h.m.Close)
	return h
}

// connect connects channel and waits for its session to start running.
func (h *harness) connect(channel string) *fakeSession {
	h.t.Helper()
	if !h.m.Connect(channel, "token", "!") {
		h.t.Fatalf("Connect(%s) = false", channel)
	}
	select {
	case s := <-h.transport.running:
		if !h.transport.noReady {
			waitFor(h.t, func() bool {
				st, ok := h.m.GetChannelStats(channel)
				return ok && st.Status == StatusOnline
			})
		}
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session for %s never started", channel)
		return nil
	}
}

func (h *harness) sync() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Bridge().Sync(ctx); err != nil {
		h.t.Fatalf("bridge sync: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
