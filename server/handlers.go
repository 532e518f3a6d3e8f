package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
	"github.com/O-Tiger/WebServiceTwitchBot/config"
	"github.com/O-Tiger/WebServiceTwitchBot/credential"
	"github.com/O-Tiger/WebServiceTwitchBot/db"
	"github.com/O-Tiger/WebServiceTwitchBot/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	stateTTL       = 10 * time.Minute
	stateCookie    = "twitch_oauth_state"
)

// Supervisor is the part of bot.Manager the API drives.
type Supervisor interface {
	Connect(channel, token, prefix string) bool
	Disconnect(channel string) bool
	ActiveChannels() []string
	SendMessage(channel, text string) bool
	AddAutoResponse(trigger, response string) bool
	RemoveAutoResponse(trigger string) bool
	AutoResponses() []bot.AutoResponse
	AddChannelAutoResponse(channel, trigger, response string) bool
	RemoveChannelAutoResponse(channel, trigger string) bool
	GetChannelStats(channel string) (bot.ChannelStats, bool)
	GetAggregatedStats() bot.AggregatedStats
	ImportUserPoints(username string, points int, channel string) bool
}

// Credentials hands out chat tokens and accepts freshly issued ones.
type Credentials interface {
	GetValidToken(ctx context.Context) (string, bool)
	Replace(ctx context.Context, c credential.Credential)
}

// Directory persists the saved channel list and raid history.
type Directory interface {
	SaveChannel(ctx context.Context, channel, displayName string) (bool, error)
	RemoveSavedChannel(ctx context.Context, channel string) (bool, error)
	ListSavedChannels(ctx context.Context) ([]db.SavedChannel, error)
	RecentRaids(ctx context.Context, channel string, limit int) ([]db.Raid, error)
}

// UserLookup resolves a channel login to its display name.
type UserLookup interface {
	DisplayName(ctx context.Context, login string) (string, error)
}

// Deps are the collaborators behind the routes. Directory, DB and OAuth may
// be nil; the routes that need them answer 503.
type Deps struct {
	Supervisor    Supervisor
	Credentials   Credentials
	Directory     Directory
	Users         UserLookup
	Events        *Hub
	DB            *sql.DB
	OAuth         *twitchapi.OfficialAuthority
	Scopes        string
	CommandPrefix string
	// Config feeds GET /api/config; secrets are never echoed.
	Config *config.Config
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	if deps.CommandPrefix == "" {
		deps.CommandPrefix = "!"
	}
	if deps.Events == nil {
		deps.Events = NewHub(0)
	}
	return &Handlers{Deps: deps, stateStore: make(map[string]time.Time)}
}

// addOAuthState records state until it expires. It reports false when the
// store is full even after expired entries are dropped.
func (h *Handlers) addOAuthState(state string, now time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore) >= maxOAuthStates {
		for s, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, s)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = now.Add(stateTTL)
	return true
}

// consumeOAuthState removes state and reports whether it was live.
func (h *Handlers) consumeOAuthState(state string, now time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return !now.After(exp)
}
