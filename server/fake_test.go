package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
	"github.com/O-Tiger/WebServiceTwitchBot/credential"
	"github.com/O-Tiger/WebServiceTwitchBot/db"
	"github.com/O-Tiger/WebServiceTwitchBot/testutil"
)

// fakeSupervisor records calls and keeps just enough state to answer them.
type fakeSupervisor struct {
	mu        sync.Mutex
	live      map[string]string // channel -> token
	prefixes  map[string]string
	sent      []string
	responses *bot.ResponseTable
	scoped    map[string]map[string]string
	points    map[string]int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		live:      map[string]string{},
		prefixes:  map[string]string{},
		responses: bot.NewResponseTable(nil),
		scoped:    map[string]map[string]string{},
		points:    map[string]int{},
	}
}

func (f *fakeSupervisor) Connect(channel, token, prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[channel]; ok || token == "" {
		return false
	}
	f.live[channel] = token
	f.prefixes[channel] = prefix
	f.scoped[channel] = map[string]string{}
	return true
}

func (f *fakeSupervisor) Disconnect(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[channel]; !ok {
		return false
	}
	delete(f.live, channel)
	return true
}

func (f *fakeSupervisor) ActiveChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for ch := range f.live {
		out = append(out, ch)
	}
	return out
}

func (f *fakeSupervisor) SendMessage(channel, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[channel]; !ok {
		return false
	}
	f.sent = append(f.sent, channel+":"+text)
	return true
}

func (f *fakeSupervisor) AddAutoResponse(trigger, response string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses.Set(trigger, response)
}

func (f *fakeSupervisor) RemoveAutoResponse(trigger string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses.Delete(trigger)
}

func (f *fakeSupervisor) AutoResponses() []bot.AutoResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses.List()
}

func (f *fakeSupervisor) AddChannelAutoResponse(channel, trigger, response string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.scoped[channel]
	if !ok {
		return false
	}
	m[trigger] = response
	return true
}

func (f *fakeSupervisor) RemoveChannelAutoResponse(channel, trigger string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.scoped[channel]
	if !ok {
		return false
	}
	if _, ok := m[trigger]; !ok {
		return false
	}
	delete(m, trigger)
	return true
}

func (f *fakeSupervisor) GetChannelStats(channel string) (bot.ChannelStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[channel]; !ok {
		return bot.ChannelStats{}, false
	}
	return bot.ChannelStats{Channel: channel, Status: bot.StatusOnline, Points: map[string]int{}, Messages: map[string]int{}}, true
}

func (f *fakeSupervisor) GetAggregatedStats() bot.AggregatedStats {
	return bot.AggregatedStats{Points: map[string]int{}, Messages: map[string]int{}, ConnectedChannels: f.ActiveChannels()}
}

func (f *fakeSupervisor) ImportUserPoints(username string, points int, channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel != "" {
		if _, ok := f.live[channel]; !ok {
			return false
		}
	} else if len(f.live) == 0 {
		return false
	}
	f.points[strings.ToLower(username)] += points
	return true
}

// fakeCredentials hands out a fixed token and records replacements.
type fakeCredentials struct {
	mu       sync.Mutex
	token    string
	replaced []credential.Credential
}

func (c *fakeCredentials) GetValidToken(context.Context) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

func (c *fakeCredentials) Replace(_ context.Context, cred credential.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, cred)
	c.token = cred.AccessToken
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	sup     *fakeSupervisor
	creds   *fakeCredentials
	store   *db.Store
	hub     *Hub
}

// newTestServer builds the full mux over fakes and an in-memory database.
// Environment tweaks must happen before it is called.
func newTestServer(t *testing.T, mutate func(*Deps)) *testServer {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	sqlDB := testutil.SetupSQLite(t)
	ts := &testServer{
		t:     t,
		sup:   newFakeSupervisor(),
		creds: &fakeCredentials{token: "tok"},
		store: db.NewStore(sqlDB, nil),
		hub:   NewHub(8),
	}
	deps := Deps{
		Supervisor:  ts.sup,
		Credentials: ts.creds,
		Directory:   ts.store,
		Events:      ts.hub,
		DB:          sqlDB,
		Scopes:      "chat:read chat:edit",
	}
	if mutate != nil {
		mutate(&deps)
	}
	ts.handler = NewMux(t.Context(), deps)
	return ts
}

func (ts *testServer) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}
