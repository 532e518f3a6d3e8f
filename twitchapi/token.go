package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// GeneratorAuthority renews tokens through twitchtokengenerator.com, which
// issued the bot's original refresh token and can refresh it without the
// client secret.
type GeneratorAuthority struct {
	// BaseURL overrides https://twitchtokengenerator.com.
	BaseURL    string
	HTTPClient *http.Client
}

// generatorResponse uses the generator's own field names; Refresh maps them
// onto RefreshResult.
type generatorResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	Refresh   string `json:"refresh"`
	ClientID  string `json:"client_id"`
	ExpiresIn int    `json:"expires_in"`
	Message   string `json:"message"`
}

func (g *GeneratorAuthority) Name() string { return "generator" }

// Refresh exchanges a refresh token for a new access token.
func (g *GeneratorAuthority) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refreshToken")
	}
	base := strings.TrimRight(g.BaseURL, "/")
	if base == "" {
		base = "https://twitchtokengenerator.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/refresh/"+url.PathEscape(refreshToken), nil)
	if err != nil {
		return nil, err
	}
	hc := g.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("token generator refresh failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var gr generatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, err
	}
	if !gr.Success {
		return nil, fmt.Errorf("%w: token generator returned success=false: %s", ErrRefreshRejected, gr.Message)
	}
	if gr.Token == "" {
		return nil, errors.New("empty token in generator response")
	}
	return &RefreshResult{AccessToken: gr.Token, RefreshToken: gr.Refresh, ExpiresIn: gr.ExpiresIn}, nil
}
