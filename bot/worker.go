package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/O-Tiger/WebServiceTwitchBot/telemetry"
)

const (
	opsBuffer      = 256
	persistTimeout = 5 * time.Second
	closeWait      = 2 * time.Second
)

// WorkerConfig is everything a worker needs, fixed at construction.
type WorkerConfig struct {
	Channel       string
	Token         string
	Prefix        string
	BonusInterval time.Duration
	BonusPoints   int
	SubBonus      int
	SendInterval  time.Duration
	SendBurst     int
	Denylist      []string
	// Seed is the global auto-response table copied into the worker.
	Seed []AutoResponse
}

// Worker owns one channel's connection and counters. Transport events and
// outbound sends run one at a time on the worker's own goroutine; the
// counters are guarded by mu so stats reads are short snapshots.
type Worker struct {
	cfg       WorkerConfig
	channel   string
	id        string
	transport Transport
	store     Store
	bridge    *Bridge
	limiter   *rate.Limiter
	log       *slog.Logger

	mu         sync.RWMutex
	status     Status
	points     map[string]int
	messages   map[string]int
	sinceBonus map[string]struct{}
	responses  *ResponseTable
	session    Session
	// loaded is set once persisted state has been merged; saves before
	// that would overwrite rows the worker has not read.
	loaded bool

	// saveMu orders saves so a newer snapshot is never overwritten by an older one.
	saveMu sync.Mutex

	ops      chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	onExit   func(*Worker, error)

	// bonus is only touched from the worker goroutine.
	bonus *cron.Cron
}

func newWorker(parent context.Context, cfg WorkerConfig, transport Transport, store Store, bridge *Bridge, onExit func(*Worker, error)) *Worker {
	if len(cfg.Denylist) == 0 {
		cfg.Denylist = DefaultDenylist
	}
	limit := rate.Inf
	if cfg.SendInterval > 0 {
		limit = rate.Every(cfg.SendInterval)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Worker{
		cfg:        cfg,
		channel:    cfg.Channel,
		id:         id,
		transport:  transport,
		store:      store,
		bridge:     bridge,
		limiter:    rate.NewLimiter(limit, burst),
		log:        slog.Default().With(slog.String("component", "worker"), slog.String("channel", cfg.Channel), slog.String("session", id)),
		status:     StatusConnecting,
		points:     map[string]int{},
		messages:   map[string]int{},
		sinceBonus: map[string]struct{}{},
		responses:  NewResponseTable(cfg.Seed),
		ops:        make(chan func(), opsBuffer),
		ctx:        ctx,
		cancel:     cancel,
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		onExit:     onExit,
	}
}

func (w *Worker) Channel() string { return w.channel }

func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop requests the Closing transition. It does not wait.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopping) })
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopping:
		return true
	default:
		return false
	}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// logf reports a line to both slog and the bridge's live log.
func (w *Worker) logf(level LogLevel, format string, args ...any) {
	report(w.bridge, w.log, w.channel, level, fmt.Sprintf(format, args...))
}

func report(b *Bridge, log *slog.Logger, channel string, level LogLevel, line string) {
	switch level {
	case LevelWarning:
		log.Warn(line)
	case LevelError:
		log.Error(line)
	case LevelMessage:
		log.Debug(line)
	default:
		log.Info(line)
	}
	b.Log(channel, level, line)
}

// run is the worker goroutine.
func (w *Worker) run() {
	defer close(w.done)
	err := w.serve()
	w.cancel()
	if err != nil && !w.stopRequested() {
		w.setStatus(StatusError)
		telemetry.Inc(telemetry.WorkerErrors)
		w.logf(LevelError, "[%s] worker failed: %v", w.channel, err)
	} else {
		w.setStatus(StatusOffline)
		err = nil
	}
	if w.onExit != nil {
		w.onExit(w, err)
	}
}

func (w *Worker) serve() (err error) {
	var recvDone chan error
	defer func() {
		if r := recover(); r != nil {
			w.stopBonus()
			w.mu.RLock()
			sess := w.session
			w.mu.RUnlock()
			if sess != nil {
				w.closeSession(sess, recvDone)
			}
			w.flush()
			err = fmt.Errorf("panic in worker loop: %v", r)
		}
	}()

	w.loadState()
	if w.stopRequested() {
		w.flush()
		return nil
	}

	sess, err := w.transport.Connect(w.ctx, w.cfg.Token, w.channel)
	if err != nil {
		w.flush()
		return fmt.Errorf("connect: %w", err)
	}
	w.mu.Lock()
	w.session = sess
	w.mu.Unlock()

	sess.OnReady(func() { w.post(w.goOnline) })
	sess.OnMessage(func(m ChatMessage) { w.post(func() { w.handleMessage(m) }) })
	sess.OnSubscription(func(s Subscription) { w.post(func() { w.handleSubscription(s) }) })

	recvDone = make(chan error, 1)
	go func() { recvDone <- sess.Run() }()

	for {
		select {
		case op := <-w.ops:
			op()
		case rerr := <-recvDone:
			w.stopBonus()
			if w.stopRequested() {
				w.flush()
				return nil
			}
			if rerr == nil {
				rerr = errors.New("connection closed by transport")
			}
			w.flush()
			return rerr
		case <-w.stopping:
			w.shutdown(sess, recvDone)
			return nil
		case <-w.ctx.Done():
			w.shutdown(sess, recvDone)
			return nil
		}
	}
}

// post hands op to the worker goroutine, preserving the order of calls.
func (w *Worker) post(op func()) {
	select {
	case w.ops <- op:
	case <-w.ctx.Done():
	}
}

func (w *Worker) shutdown(sess Session, recvDone <-chan error) {
	w.setStatus(StatusClosing)
	w.stopBonus()
	w.flush()
	w.closeSession(sess, recvDone)
	w.log.Info("worker closed")
}

// closeSession closes the transport and waits briefly for its Run to return.
// recvDone is nil when Run was never started.
func (w *Worker) closeSession(sess Session, recvDone <-chan error) {
	if err := sess.Close(); err != nil {
		w.log.Warn("transport close failed", slog.Any("err", err))
	}
	if recvDone == nil {
		return
	}
	select {
	case <-recvDone:
	case <-time.After(closeWait):
		w.log.Warn("transport did not stop after close")
	}
}

func (w *Worker) goOnline() {
	w.mu.Lock()
	if w.status != StatusConnecting {
		w.mu.Unlock()
		return
	}
	w.status = StatusOnline
	w.mu.Unlock()

	w.bridge.StatusChanged(w.channel, StatusOnline)
	w.logf(LevelSuccess, "[%s] bot connected", w.channel)

	if w.cfg.BonusInterval > 0 && w.cfg.BonusPoints > 0 {
		w.bonus = cron.New()
		w.bonus.Schedule(cron.Every(w.cfg.BonusInterval), cron.FuncJob(w.awardBonus))
		w.bonus.Start()
	}
}

// stopBonus cancels the recurring bonus and waits for a running grant to finish.
func (w *Worker) stopBonus() {
	if w.bonus == nil {
		return
	}
	<-w.bonus.Stop().Done()
	w.bonus = nil
}

// awardBonus runs on the cron goroutine.
func (w *Worker) awardBonus() {
	if w.stopRequested() || w.ctx.Err() != nil {
		w.log.Debug("bonus skipped: worker shutting down")
		return
	}
	w.mu.Lock()
	granted := len(w.sinceBonus)
	for u := range w.sinceBonus {
		w.points[u] += w.cfg.BonusPoints
	}
	clear(w.sinceBonus)
	w.mu.Unlock()

	if granted == 0 {
		return
	}
	telemetry.Add(telemetry.BonusGrants, granted)
	w.log.Info("bonus granted", slog.Int("users", granted), slog.Int("points", w.cfg.BonusPoints))
	w.flush()
}

func (w *Worker) handleMessage(m ChatMessage) {
	if m.Self {
		return
	}
	user := normalizeUser(m.User)
	if user == "" {
		return
	}

	w.mu.Lock()
	w.messages[user]++
	w.points[user]++
	w.sinceBonus[user] = struct{}{}
	msgs, pts := w.messages[user], w.points[user]
	match, matched := w.responses.Match(m.Text)
	w.mu.Unlock()

	telemetry.Inc(telemetry.MessagesReceived)
	w.bridge.MessageReceived(w.channel, user, m.Text, msgs, pts)
	w.logf(LevelMessage, "[%s] %s: %s", w.channel, user, m.Text)

	if matched {
		w.say(match.Response)
		telemetry.Inc(telemetry.AutoResponsesSent)
		w.logf(LevelBot, "[%s] auto-response: %s", w.channel, match.Response)
	}

	if name, args, ok := parseCommand(w.cfg.Prefix, m.Text); ok {
		if err := runCommand(w, name, commandCall{User: user, Args: args}); err != nil && !errors.Is(err, errUnknownCommand) {
			w.logf(LevelWarning, "[%s] command %s failed: %v", w.channel, name, err)
		}
	}

	if word, bad := flagged(m.Text, w.cfg.Denylist); bad {
		w.logf(LevelWarning, "[%s] suspicious content from %s (%s)", w.channel, user, word)
	}
}

func (w *Worker) handleSubscription(s Subscription) {
	user := normalizeUser(s.User)
	if user == "" {
		return
	}
	w.mu.Lock()
	w.points[user] += w.cfg.SubBonus
	w.mu.Unlock()

	if s.Kind == KindRaid {
		w.say(fmt.Sprintf("Thanks for the raid, @%s! Welcome, raiders!", user))
		w.bridge.RaidReceived(w.channel, user, s.Viewers)
		w.logf(LevelEvent, "[%s] raid from %s with %d viewers", w.channel, user, s.Viewers)
		w.recordRaid(user, s.Viewers)
	} else {
		w.say(fmt.Sprintf("Thanks for the sub, @%s!", user))
		w.logf(LevelEvent, "[%s] new %s from %s", w.channel, s.Kind, user)
	}
	w.flush()
}

func (w *Worker) recordRaid(raider string, viewers int) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), persistTimeout)
	defer cancel()
	if err := w.store.RecordRaid(ctx, w.channel, raider, viewers); err != nil {
		w.log.Warn("record raid failed", slog.Any("err", err))
	}
}

// say sends text into the channel, waiting on the outbound rate limit.
func (w *Worker) say(text string) {
	w.mu.RLock()
	sess := w.session
	w.mu.RUnlock()
	if sess == nil {
		return
	}
	if err := w.limiter.Wait(w.ctx); err != nil {
		w.log.Warn("send abandoned", slog.Any("err", err))
		return
	}
	if err := sess.Send(text); err != nil {
		w.logf(LevelWarning, "[%s] send failed: %v", w.channel, err)
		return
	}
	telemetry.Inc(telemetry.OutboundMessages)
}

// Enqueue schedules an outbound message without waiting for it to be sent.
func (w *Worker) Enqueue(text string) error {
	w.mu.RLock()
	ready := w.session != nil && w.status == StatusOnline
	w.mu.RUnlock()
	if !ready {
		return ErrNotConnected
	}
	select {
	case <-w.stopping:
		return ErrNotConnected
	default:
	}
	select {
	case w.ops <- func() { w.say(text) }:
		return nil
	default:
		telemetry.Inc(telemetry.OutboundDropped)
		return ErrQueueFull
	}
}

// loadState merges persisted counters and channel-scoped responses into the
// worker. Counters credited before the load are kept on top of stored values
// and saved straight away. If the load fails the worker never saves, leaving
// the stored row intact.
func (w *Worker) loadState() {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, persistTimeout)
	defer cancel()
	st, err := w.store.LoadChannelState(ctx, w.channel)
	if err != nil {
		w.log.Warn("load channel state failed; counters will not be saved this session", slog.Any("err", err))
		return
	}
	w.mu.Lock()
	pending := len(w.points) > 0
	w.loaded = true
	for u, p := range st.Points {
		w.points[u] += p
	}
	for u, n := range st.Messages {
		w.messages[u] += n
	}
	if len(st.Responses) > 0 {
		merged := NewResponseTable(st.Responses)
		for _, r := range w.responses.List() {
			merged.Set(r.Trigger, r.Response)
		}
		w.responses = merged
	}
	w.mu.Unlock()
	if pending {
		w.flush()
	}
}

// flush writes the counters through the Store. Failures are logged only.
// It does nothing until persisted state has been loaded.
func (w *Worker) flush() {
	if w.store == nil {
		return
	}
	w.saveMu.Lock()
	defer w.saveMu.Unlock()
	w.mu.RLock()
	if !w.loaded {
		w.mu.RUnlock()
		return
	}
	st := ChannelState{Points: make(map[string]int, len(w.points)), Messages: make(map[string]int, len(w.messages))}
	for u, p := range w.points {
		st.Points[u] = p
	}
	for u, n := range w.messages {
		st.Messages[u] = n
	}
	w.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), persistTimeout)
	defer cancel()
	if err := w.store.SaveChannelState(ctx, w.channel, st); err != nil {
		w.log.Warn("save channel state failed", slog.Any("err", err))
	}
}

// AddPoints credits user additively and persists once the worker's stored
// state has been loaded. It is safe to call from any goroutine.
func (w *Worker) AddPoints(user string, n int) {
	w.mu.Lock()
	w.points[user] += n
	w.mu.Unlock()
	w.flush()
}

// SetAutoResponse updates the worker's own copy of the table.
func (w *Worker) SetAutoResponse(trigger, response string) {
	w.mu.Lock()
	w.responses.Set(trigger, response)
	w.mu.Unlock()
}

// RemoveAutoResponse deletes from the worker's own copy.
func (w *Worker) RemoveAutoResponse(trigger string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.responses.Delete(trigger)
}

// Stats snapshots the worker's counters.
func (w *Worker) Stats() ChannelStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := ChannelStats{
		Channel:       w.channel,
		Status:        w.status,
		Points:        make(map[string]int, len(w.points)),
		Messages:      make(map[string]int, len(w.messages)),
		AutoResponses: w.responses.List(),
	}
	for u, p := range w.points {
		st.Points[u] = p
	}
	for u, n := range w.messages {
		st.Messages[u] = n
		st.TotalMessages += n
	}
	users := make(map[string]struct{}, len(w.points))
	for u := range w.points {
		users[u] = struct{}{}
	}
	for u := range w.messages {
		users[u] = struct{}{}
	}
	st.TotalUsers = len(users)
	return st
}
