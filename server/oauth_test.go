package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/testutil"
	"github.com/O-Tiger/WebServiceTwitchBot/twitchapi"
)

func TestTwitchOAuthFlow(t *testing.T) {
	mock := testutil.NewMockTokenServer(t)
	mock.MockOfficialRefresh("new-access", "new-refresh", 14400)
	mock.MockValidate("new-access", "mybot", 14400)
	auth := &twitchapi.OfficialAuthority{ClientID: "cid", ClientSecret: "secret", RedirectURI: "http://localhost/auth/twitch/callback", BaseURL: mock.URL}
	ts := newTestServer(t, func(d *Deps) { d.OAuth = auth })

	rr := ts.do(http.MethodGet, "/auth/twitch/start", "")
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" || loc.Query().Get("scope") != "chat:read chat:edit" {
		t.Fatalf("authorize url = %s", loc)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != state {
		t.Fatalf("cookies = %v", cookies)
	}

	// state without the matching cookie is rejected
	if rr := ts.do(http.MethodGet, "/auth/twitch/callback?code=c&state="+state, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("callback without cookie = %d", rr.Code)
	}

	rr = ts.do(http.MethodGet, "/auth/twitch/start", "")
	state = rr.Result().Cookies()[0].Value
	req := httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=c&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: state})
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rec.Code, rec.Body.String())
	}
	if len(ts.creds.replaced) != 1 {
		t.Fatalf("replaced = %v", ts.creds.replaced)
	}
	got := ts.creds.replaced[0]
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" || got.Login != "mybot" || got.ExpiresAt.IsZero() {
		t.Errorf("credential = %+v", got)
	}

	// states are single use
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("replayed state = %d", rec.Code)
	}
}

func TestOAuthStartNotConfigured(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodGet, "/auth/twitch/start", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("start = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/auth/twitch/callback?code=c&state=s", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("callback = %d", rr.Code)
	}
}

func TestOAuthStateStoreBounded(t *testing.T) {
	h := NewHandlers(Deps{})
	now := time.Now()
	for i := 0; i < maxOAuthStates; i++ {
		h.stateStore["s"+strconv.Itoa(i)] = now.Add(stateTTL)
	}
	if h.addOAuthState("extra", now) {
		t.Error("state accepted past capacity")
	}
	if !h.addOAuthState("extra", now.Add(2*stateTTL)) {
		t.Error("expired states not reclaimed")
	}
	if !h.consumeOAuthState("extra", now.Add(2*stateTTL)) || h.consumeOAuthState("extra", now.Add(2*stateTTL)) {
		t.Error("state not single use")
	}
}
