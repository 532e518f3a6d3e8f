// Package bot supervises one chat worker per channel. The Manager starts and
// stops workers, owns the global auto-response registry that seeds them and
// fans out worker events to the controller through a Bridge.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/telemetry"
)

// Options configures a Manager. Zero durations and counts fall back to the defaults below.
type Options struct {
	Transport       Transport
	Store           Store
	Bridge          *Bridge
	BonusInterval   time.Duration
	BonusPoints     int
	SubBonus        int
	SendInterval    time.Duration
	SendBurst       int
	DisconnectGrace time.Duration
	Denylist        []string
}

const (
	defaultBonusPoints     = 10
	defaultSubBonus        = 500
	defaultDisconnectGrace = 2 * time.Second
)

// Manager is safe for concurrent use. Calls for the same channel are expected
// to be serialised by the caller.
type Manager struct {
	opts   Options
	bridge *Bridge
	ctx    context.Context
	log    *slog.Logger

	mu        sync.Mutex
	workers   map[string]*Worker
	responses *ResponseTable
}

// NewManager loads the global auto-response registry and returns a Manager.
// Workers live until Disconnect or until ctx is cancelled.
func NewManager(ctx context.Context, opts Options) *Manager {
	if opts.Bridge == nil {
		opts.Bridge = NewBridge(0)
	}
	if opts.BonusPoints == 0 {
		opts.BonusPoints = defaultBonusPoints
	}
	if opts.SubBonus == 0 {
		opts.SubBonus = defaultSubBonus
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	m := &Manager{
		opts:      opts,
		bridge:    opts.Bridge,
		ctx:       ctx,
		log:       slog.Default().With(slog.String("component", "manager")),
		workers:   map[string]*Worker{},
		responses: NewResponseTable(nil),
	}
	if opts.Store != nil {
		lctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		global, err := opts.Store.LoadGlobalAutoResponses(lctx)
		if err != nil {
			m.log.Warn("load global auto-responses failed", slog.Any("err", err))
		}
		m.responses = NewResponseTable(global)
	}
	return m
}

// Bridge returns the event bridge workers report through.
func (m *Manager) Bridge() *Bridge { return m.bridge }

// SetCallbacks installs the controller's handlers.
func (m *Manager) SetCallbacks(cb Callbacks) { m.bridge.SetCallbacks(cb) }

func (m *Manager) logf(channel string, level LogLevel, format string, args ...any) {
	log := m.log
	if channel != "" {
		log = log.With(slog.String("channel", channel))
	}
	report(m.bridge, log, channel, level, fmt.Sprintf(format, args...))
}

// Connect registers channel and starts its worker asynchronously. It
// returns false if the channel is already active or token is empty.
func (m *Manager) Connect(channel, token, prefix string) bool {
	channel = NormalizeChannel(channel)
	if channel == "" {
		m.logf(channel, LevelWarning, "cannot connect: empty channel name")
		return false
	}
	if token == "" {
		m.logf(channel, LevelWarning, "[%s] cannot connect: no access token", channel)
		return false
	}
	if prefix == "" {
		prefix = "!"
	}

	m.mu.Lock()
	if _, ok := m.workers[channel]; ok {
		m.mu.Unlock()
		m.logf(channel, LevelWarning, "[%s] already connected", channel)
		return false
	}
	w := newWorker(m.ctx, WorkerConfig{
		Channel:       channel,
		Token:         token,
		Prefix:        prefix,
		BonusInterval: m.opts.BonusInterval,
		BonusPoints:   m.opts.BonusPoints,
		SubBonus:      m.opts.SubBonus,
		SendInterval:  m.opts.SendInterval,
		SendBurst:     m.opts.SendBurst,
		Denylist:      m.opts.Denylist,
		Seed:          m.responses.List(),
	}, m.opts.Transport, m.opts.Store, m.bridge, m.workerExited)
	m.workers[channel] = w
	n := len(m.workers)
	m.mu.Unlock()

	telemetry.SetChannelsActive(n)
	m.bridge.StatusChanged(channel, StatusConnecting)
	m.logf(channel, LevelInfo, "[%s] connecting", channel)
	go w.run()
	return true
}

// workerExited runs on a worker's goroutine when it stops. A worker that is
// still registered (it errored, or the Manager's context ended) is removed
// here; an errored channel is never retried automatically.
func (m *Manager) workerExited(w *Worker, err error) {
	m.mu.Lock()
	cur, ok := m.workers[w.channel]
	registered := ok && cur == w
	if registered {
		delete(m.workers, w.channel)
	}
	n := len(m.workers)
	m.mu.Unlock()
	if err != nil {
		telemetry.SetChannelsActive(n)
		m.bridge.StatusChanged(w.channel, StatusError)
		return
	}
	if registered {
		telemetry.SetChannelsActive(n)
		m.bridge.StatusChanged(w.channel, StatusOffline)
	}
}

// Disconnect stops channel's worker, waiting at most the grace period. The
// channel is deregistered and reported offline even if the worker is slow.
func (m *Manager) Disconnect(channel string) bool {
	channel = NormalizeChannel(channel)
	m.mu.Lock()
	w, ok := m.workers[channel]
	if ok {
		delete(m.workers, channel)
	}
	n := len(m.workers)
	m.mu.Unlock()
	if !ok {
		m.logf(channel, LevelWarning, "[%s] not connected", channel)
		return false
	}
	telemetry.SetChannelsActive(n)

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(m.opts.DisconnectGrace):
		m.log.Warn("worker did not stop within grace period",
			slog.String("channel", channel),
			slog.Duration("grace", m.opts.DisconnectGrace))
	}
	m.bridge.StatusChanged(channel, StatusOffline)
	m.logf(channel, LevelSuccess, "[%s] disconnected", channel)
	return true
}

// DisconnectAll disconnects every active channel.
func (m *Manager) DisconnectAll() {
	for _, ch := range m.ActiveChannels() {
		m.Disconnect(ch)
	}
}

// ActiveChannels lists registered channels, sorted.
func (m *Manager) ActiveChannels() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.workers))
	for ch := range m.workers {
		out = append(out, ch)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *Manager) worker(channel string) (*Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[NormalizeChannel(channel)]
	return w, ok
}

func (m *Manager) snapshot() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// SendMessage queues text on channel's worker and returns without waiting
// for delivery.
func (m *Manager) SendMessage(channel, text string) bool {
	channel = NormalizeChannel(channel)
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	w, ok := m.worker(channel)
	if !ok {
		m.logf(channel, LevelWarning, "[%s] cannot send: not connected", channel)
		return false
	}
	if err := w.Enqueue(text); err != nil {
		m.logf(channel, LevelWarning, "[%s] cannot send: %v", channel, err)
		return false
	}
	return true
}

// AddAutoResponse sets a global trigger, copies it into every live worker and persists it.
func (m *Manager) AddAutoResponse(trigger, response string) bool {
	trigger = strings.TrimSpace(trigger)
	m.mu.Lock()
	if !m.responses.Set(trigger, response) {
		m.mu.Unlock()
		return false
	}
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.SetAutoResponse(trigger, response)
	}
	m.persist(func(ctx context.Context, s Store) error { return s.UpsertAutoResponse(ctx, "", trigger, response) })
	m.logf("", LevelSuccess, "auto-response added: %s", trigger)
	return true
}

// RemoveAutoResponse deletes a global trigger everywhere. A missing trigger
// returns false and writes nothing.
func (m *Manager) RemoveAutoResponse(trigger string) bool {
	trigger = strings.TrimSpace(trigger)
	m.mu.Lock()
	if !m.responses.Delete(trigger) {
		m.mu.Unlock()
		return false
	}
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.RemoveAutoResponse(trigger)
	}
	m.persist(func(ctx context.Context, s Store) error { return s.DeleteAutoResponse(ctx, "", trigger) })
	m.logf("", LevelSuccess, "auto-response removed: %s", trigger)
	return true
}

// AutoResponses returns the global registry in order.
func (m *Manager) AutoResponses() []AutoResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responses.List()
}

// AddChannelAutoResponse edits one live worker's table only.
func (m *Manager) AddChannelAutoResponse(channel, trigger, response string) bool {
	channel = NormalizeChannel(channel)
	trigger = strings.TrimSpace(trigger)
	w, ok := m.worker(channel)
	if !ok || trigger == "" {
		return false
	}
	w.SetAutoResponse(trigger, response)
	m.persist(func(ctx context.Context, s Store) error { return s.UpsertAutoResponse(ctx, channel, trigger, response) })
	return true
}

// RemoveChannelAutoResponse deletes from one live worker's table only.
func (m *Manager) RemoveChannelAutoResponse(channel, trigger string) bool {
	channel = NormalizeChannel(channel)
	trigger = strings.TrimSpace(trigger)
	w, ok := m.worker(channel)
	if !ok || !w.RemoveAutoResponse(trigger) {
		return false
	}
	m.persist(func(ctx context.Context, s Store) error { return s.DeleteAutoResponse(ctx, channel, trigger) })
	return true
}

func (m *Manager) persist(fn func(context.Context, Store) error) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), persistTimeout)
	defer cancel()
	if err := fn(ctx, m.opts.Store); err != nil {
		m.log.Warn("persist auto-response failed", slog.Any("err", err))
	}
}

// GetChannelStats snapshots one channel.
func (m *Manager) GetChannelStats(channel string) (ChannelStats, bool) {
	w, ok := m.worker(channel)
	if !ok {
		return ChannelStats{}, false
	}
	return w.Stats(), true
}

// GetAggregatedStats sums counters across all live channels.
func (m *Manager) GetAggregatedStats() AggregatedStats {
	agg := AggregatedStats{Points: map[string]int{}, Messages: map[string]int{}, ConnectedChannels: []string{}}
	for _, w := range m.snapshot() {
		st := w.Stats()
		agg.ConnectedChannels = append(agg.ConnectedChannels, st.Channel)
		for u, p := range st.Points {
			agg.Points[u] += p
			agg.TotalPoints += p
		}
		for u, n := range st.Messages {
			agg.Messages[u] += n
			agg.TotalMessages += n
		}
	}
	sort.Strings(agg.ConnectedChannels)
	users := make(map[string]struct{}, len(agg.Points))
	for u := range agg.Points {
		users[u] = struct{}{}
	}
	for u := range agg.Messages {
		users[u] = struct{}{}
	}
	agg.TotalUsers = len(users)
	return agg
}

// ImportUserPoints adds points to username in channel, or in every live
// channel when channel is empty. It reports whether any channel was credited.
func (m *Manager) ImportUserPoints(username string, points int, channel string) bool {
	user := normalizeUser(username)
	if user == "" {
		return false
	}
	var targets []*Worker
	if channel != "" {
		w, ok := m.worker(channel)
		if !ok {
			m.logf(NormalizeChannel(channel), LevelWarning, "[%s] import skipped: not connected", NormalizeChannel(channel))
			return false
		}
		targets = []*Worker{w}
	} else {
		targets = m.snapshot()
	}
	for _, w := range targets {
		w.AddPoints(user, points)
	}
	return len(targets) > 0
}

// Close disconnects everything and stops the bridge.
func (m *Manager) Close() {
	m.DisconnectAll()
	m.bridge.Close()
}
