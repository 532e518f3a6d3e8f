package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
)

// IRCTransport connects to Twitch chat as Username.
type IRCTransport struct {
	Username string
	// Address overrides the IRC endpoint (host:port). Empty uses Twitch.
	Address string
	// PlainText disables TLS; only useful together with Address.
	PlainText bool
}

// Connect builds a client for channel. The network connection is opened by
// Session.Run.
func (t *IRCTransport) Connect(ctx context.Context, token, channel string) (bot.Session, error) {
	if t.Username == "" {
		return nil, errors.New("chat: bot username not configured")
	}
	if token == "" {
		return nil, errors.New("chat: empty oauth token")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	client := twitch.NewClient(t.Username, token)
	if t.Address != "" {
		client.IrcAddress = t.Address
	}
	if t.PlainText {
		client.TLS = false
	}
	client.Join(channel)
	s := &ircSession{client: client, channel: channel, username: t.Username}
	client.OnConnect(s.connected)
	return s, nil
}

type ircSession struct {
	client   *twitch.Client
	channel  string
	username string

	onReady   func()
	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *ircSession) OnReady(fn func()) { s.onReady = fn }

// connected runs on the client's goroutine. A Close that raced the handshake
// wins: the fresh connection is dropped instead of reported.
func (s *ircSession) connected() {
	if s.closed.Load() {
		go func() { _ = s.client.Disconnect() }()
		return
	}
	s.ready.Store(true)
	if s.onReady != nil {
		s.onReady()
	}
}

func (s *ircSession) OnMessage(fn func(bot.ChatMessage)) {
	s.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		if !strings.EqualFold(m.Channel, s.channel) {
			return
		}
		fn(toChatMessage(m, s.username))
	})
}

func (s *ircSession) OnSubscription(fn func(bot.Subscription)) {
	s.client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		sub, ok := toSubscription(m)
		if !ok {
			return
		}
		fn(sub)
	})
}

func (s *ircSession) Run() error {
	if s.closed.Load() {
		return nil
	}
	err := s.client.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (s *ircSession) Send(text string) error {
	if !s.ready.Load() {
		return bot.ErrNotConnected
	}
	s.client.Say(s.channel, text)
	return nil
}

func (s *ircSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ready.Store(false)
		err := s.client.Disconnect()
		if err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func toChatMessage(m twitch.PrivateMessage, self string) bot.ChatMessage {
	return bot.ChatMessage{
		ID:          m.ID,
		User:        m.User.Name,
		DisplayName: m.User.DisplayName,
		Text:        m.Message,
		Self:        self != "" && strings.EqualFold(m.User.Name, self),
	}
}

// toSubscription maps a USERNOTICE onto a bonus event. Notices other than
// subs and raids are ignored.
func toSubscription(m twitch.UserNoticeMessage) (bot.Subscription, bool) {
	p := m.MsgParams
	switch m.MsgID {
	case "sub":
		return bot.Subscription{Kind: bot.KindSub, User: m.User.Name, Months: atoi(p["msg-param-cumulative-months"])}, true
	case "resub":
		return bot.Subscription{Kind: bot.KindResub, User: m.User.Name, Months: atoi(p["msg-param-cumulative-months"])}, true
	case "subgift":
		user := p["msg-param-recipient-user-name"]
		if user == "" {
			slog.Debug("subgift without recipient", slog.String("component", "chat"), slog.String("id", m.ID))
			return bot.Subscription{}, false
		}
		return bot.Subscription{Kind: bot.KindSubGift, User: user, Months: atoi(p["msg-param-months"])}, true
	case "raid":
		user := p["msg-param-login"]
		if user == "" {
			user = m.User.Name
		}
		return bot.Subscription{Kind: bot.KindRaid, User: user, Viewers: atoi(p["msg-param-viewerCount"])}, true
	}
	return bot.Subscription{}, false
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
