package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGeneratorRefresh(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":    true,
			"token":      "new-access",
			"refresh":    "new-refresh",
			"client_id":  "gen-client",
			"expires_in": 14000,
		})
	}))
	defer server.Close()

	g := &GeneratorAuthority{BaseURL: server.URL}
	res, err := g.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if gotPath != "/api/refresh/old-refresh" {
		t.Errorf("path = %s", gotPath)
	}
	if res.AccessToken != "new-access" || res.RefreshToken != "new-refresh" || res.ExpiresIn != 14000 {
		t.Errorf("unexpected result: %+v", res)
	}
	if g.Name() != "generator" {
		t.Errorf("Name() = %s", g.Name())
	}
}

func TestGeneratorRefreshUnsuccessful(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "invalid refresh"})
	}))
	defer server.Close()

	_, err := (&GeneratorAuthority{BaseURL: server.URL}).Refresh(context.Background(), "bad")
	if !errors.Is(err, ErrRefreshRejected) {
		t.Errorf("error = %v, want ErrRefreshRejected", err)
	}
}

func TestGeneratorRefreshHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := (&GeneratorAuthority{BaseURL: server.URL}).Refresh(context.Background(), "rt"); err == nil {
		t.Error("expected error for 502")
	}
}

func TestGeneratorRefreshMissingToken(t *testing.T) {
	if _, err := (&GeneratorAuthority{}).Refresh(context.Background(), ""); err == nil {
		t.Error("expected error for empty refresh token")
	}
}
