package bot

import (
	"context"
	"errors"
	"strings"
)

// Status is a channel worker's lifecycle state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusClosing    Status = "closing"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// LogLevel tags LogLine events for display in a live log view.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelMessage LogLevel = "message"
	LevelBot     LogLevel = "bot"
	LevelEvent   LogLevel = "event"
)

var (
	// ErrNotConnected is returned when a worker has no live outbound session.
	ErrNotConnected = errors.New("channel not connected")
	// ErrQueueFull is returned when a worker's scheduling queue cannot take more work.
	ErrQueueFull = errors.New("worker queue full")
)

// ChatMessage is one inbound chat line as delivered by a Transport.
type ChatMessage struct {
	ID          string
	User        string
	DisplayName string
	Text        string
	// Self is set for lines the bot itself sent.
	Self bool
}

// SubscriptionKind distinguishes the channel events that award a bonus.
type SubscriptionKind string

const (
	KindSub     SubscriptionKind = "sub"
	KindResub   SubscriptionKind = "resub"
	KindSubGift SubscriptionKind = "subgift"
	KindRaid    SubscriptionKind = "raid"
)

// Subscription is a subscription or raid notice. User is the identity that
// receives the bonus: the subscriber, the gift recipient or the raiding channel.
type Subscription struct {
	Kind    SubscriptionKind
	User    string
	Viewers int
	Months  int
}

// Transport opens chat sessions. Implementations deliver events on their own
// goroutines and must accept Send from a goroutine other than the one that
// delivered the event.
type Transport interface {
	Connect(ctx context.Context, token, channel string) (Session, error)
}

// Session is one live chat connection. Handlers are registered before Run.
type Session interface {
	OnReady(func())
	OnMessage(func(ChatMessage))
	OnSubscription(func(Subscription))
	// Run blocks until the connection ends. It returns nil after Close.
	Run() error
	Send(text string) error
	Close() error
}

// AutoResponse maps a trigger substring to a reply.
type AutoResponse struct {
	Trigger  string `json:"trigger"`
	Response string `json:"response"`
}

// ChannelState is what a worker loads and flushes through the Store.
type ChannelState struct {
	Points    map[string]int
	Messages  map[string]int
	Responses []AutoResponse
}

// Store is the persistence collaborator. An empty channel on the auto-response
// methods addresses the global registry. Failures are logged by callers and
// never roll back in-memory state.
type Store interface {
	LoadChannelState(ctx context.Context, channel string) (ChannelState, error)
	SaveChannelState(ctx context.Context, channel string, st ChannelState) error
	LoadGlobalAutoResponses(ctx context.Context) ([]AutoResponse, error)
	UpsertAutoResponse(ctx context.Context, channel, trigger, response string) error
	DeleteAutoResponse(ctx context.Context, channel, trigger string) error
	RecordRaid(ctx context.Context, channel, raider string, viewers int) error
}

// ChannelStats is a snapshot of one channel's counters.
type ChannelStats struct {
	Channel       string         `json:"channel"`
	Status        Status         `json:"status"`
	Points        map[string]int `json:"points"`
	Messages      map[string]int `json:"messages"`
	AutoResponses []AutoResponse `json:"auto_responses"`
	TotalUsers    int            `json:"total_users"`
	TotalMessages int            `json:"total_messages"`
}

// AggregatedStats sums counters across every live channel. It is computed on
// each call and never cached.
type AggregatedStats struct {
	Points            map[string]int `json:"points"`
	Messages          map[string]int `json:"messages"`
	ConnectedChannels []string       `json:"connected_channels"`
	TotalUsers        int            `json:"total_users"`
	TotalMessages     int            `json:"total_messages"`
	TotalPoints       int            `json:"total_points"`
}

// NormalizeChannel lowercases a channel name and strips a leading # or @.
func NormalizeChannel(channel string) string {
	channel = strings.TrimSpace(channel)
	channel = strings.TrimLeft(channel, "#@")
	return strings.ToLower(channel)
}

func normalizeUser(user string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(user), "@"))
}
