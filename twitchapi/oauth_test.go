package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newIDServer(t *testing.T, handler http.HandlerFunc) *OfficialAuthority {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &OfficialAuthority{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/callback",
		BaseURL:      server.URL,
	}
}

func TestOfficialRefresh(t *testing.T) {
	a := newIDServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		if r.Form.Get("client_secret") != "secret" {
			t.Errorf("client_secret not sent in params")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	})

	res, err := a.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if res.AccessToken != "new-access" || res.RefreshToken != "new-refresh" {
		t.Errorf("unexpected tokens: %+v", res)
	}
	if res.ExpiresIn < 3590 || res.ExpiresIn > 3600 {
		t.Errorf("ExpiresIn = %d, want ~3600", res.ExpiresIn)
	}
	if len(res.Scope) != 2 {
		t.Errorf("Scope = %v", res.Scope)
	}
}

func TestOfficialRefreshRejected(t *testing.T) {
	a := newIDServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`))
	})
	_, err := a.Refresh(context.Background(), "bad")
	if !errors.Is(err, ErrRefreshRejected) {
		t.Errorf("error = %v, want ErrRefreshRejected", err)
	}
}

func TestOfficialRefreshMissingParams(t *testing.T) {
	a := &OfficialAuthority{}
	if _, err := a.Refresh(context.Background(), "rt"); err == nil {
		t.Error("expected error without client credentials")
	}
}

func TestOfficialValidate(t *testing.T) {
	a := newIDServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"client_id":  "client",
			"login":      "mybot",
			"user_id":    "42",
			"scopes":     []string{"chat:read"},
			"expires_in": 5000,
		})
	})

	res, err := a.Validate(context.Background(), "good")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Login != "mybot" || res.ExpiresIn != 5000 {
		t.Errorf("unexpected validate result: %+v", res)
	}
	if _, err := a.Validate(context.Background(), "bad"); err == nil {
		t.Error("expected error for invalid token")
	}
	if _, err := a.Validate(context.Background(), ""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestAuthorizeURL(t *testing.T) {
	a := &OfficialAuthority{ClientID: "client", RedirectURI: "http://localhost/cb"}
	u, err := a.AuthorizeURL("chat:read,chat:edit", "xyz")
	if err != nil {
		t.Fatalf("AuthorizeURL error: %v", err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, "https://id.twitch.tv/oauth2/authorize") {
		t.Errorf("unexpected url: %s", u)
	}
	q := parsed.Query()
	if q.Get("scope") != "chat:read chat:edit" || q.Get("state") != "xyz" || q.Get("client_id") != "client" {
		t.Errorf("unexpected query: %v", q)
	}
	if _, err := (&OfficialAuthority{}).AuthorizeURL("", ""); err == nil {
		t.Error("expected error without client id")
	}
}

func TestExchangeCode(t *testing.T) {
	a := newIDServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "the-code" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "a",
			"refresh_token": "r",
			"expires_in":    100,
			"token_type":    "bearer",
		})
	})
	res, err := a.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("ExchangeCode error: %v", err)
	}
	if res.AccessToken != "a" || res.RefreshToken != "r" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := ComputeExpiry(now, 60); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("ComputeExpiry(60) = %v", got)
	}
	if got := ComputeExpiry(now, 0); !got.Equal(now.Add(DefaultLifetime)) {
		t.Errorf("ComputeExpiry(0) = %v", got)
	}
}
