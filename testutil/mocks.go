package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTokenServer stands in for both token authorities: the Twitch identity
// endpoints (/oauth2/token, /oauth2/validate) and the token generator
// (/api/refresh/{token}). Each endpoint answers from a settable handler and
// counts its hits.
type MockTokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTokenServer creates a new mock token server.
func NewMockTokenServer(t *testing.T) *MockTokenServer {
	t.Helper()
	m := &MockTokenServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if strings.HasPrefix(key, "/api/refresh/") {
			key = "/api/refresh/"
		}
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits reports how many requests reached path. Generator refreshes count under "/api/refresh/".
func (m *MockTokenServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *MockTokenServer) set(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// MockGeneratorRefresh answers generator refreshes with the given token pair.
// An empty access token makes the generator report success=false.
func (m *MockTokenServer) MockGeneratorRefresh(access, refresh string, expiresIn int) {
	m.set("/api/refresh/", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"success": access != "", "token": access, "refresh": refresh, "expires_in": expiresIn}
		if access == "" {
			body["message"] = "invalid refresh token"
		}
		writeJSON(w, http.StatusOK, body)
	})
}

// MockOfficialRefresh answers /oauth2/token with the given token pair. An
// empty access token yields a 400 rejection.
func (m *MockTokenServer) MockOfficialRefresh(access, refresh string, expiresIn int) {
	m.set("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if access == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "Invalid refresh token"})
			return
		}
		body := map[string]interface{}{"access_token": access, "token_type": "bearer", "expires_in": expiresIn}
		if refresh != "" {
			body["refresh_token"] = refresh
		}
		writeJSON(w, http.StatusOK, body)
	})
}

// MockValidate accepts exactly token on /oauth2/validate and reports expiresIn.
func (m *MockTokenServer) MockValidate(token, login string, expiresIn int) {
	m.set("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"client_id": "client", "login": login, "user_id": "1", "scopes": []string{"chat:read", "chat:edit"}, "expires_in": expiresIn,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
