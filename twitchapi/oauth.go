// Package twitchapi talks to the token authorities that issue and renew the
// bot's chat credential: the official Twitch identity service and a
// third-party token generator used as the first choice for renewals.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// DefaultLifetime is assumed when an authority omits expires_in.
const DefaultLifetime = 4 * time.Hour

// ErrRefreshRejected means the authority answered but refused the refresh token.
var ErrRefreshRejected = errors.New("refresh rejected by authority")

// RefreshResult is the normalised outcome of a refresh_token exchange,
// whichever authority produced it.
type RefreshResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ValidateResult mirrors the /oauth2/validate response.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to DefaultLifetime when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(DefaultLifetime)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// OfficialAuthority renews and validates tokens against id.twitch.tv.
type OfficialAuthority struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// BaseURL overrides https://id.twitch.tv (tests, proxies).
	BaseURL    string
	HTTPClient *http.Client
}

func (a *OfficialAuthority) Name() string { return "official" }

func (a *OfficialAuthority) baseURL() string {
	if a.BaseURL != "" {
		return strings.TrimRight(a.BaseURL, "/")
	}
	return "https://id.twitch.tv"
}

func (a *OfficialAuthority) oauthConfig(scopes []string) *oauth2.Config {
	endpoint := twitch.Endpoint
	if a.BaseURL != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:   a.baseURL() + "/oauth2/authorize",
			TokenURL:  a.baseURL() + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		RedirectURL:  a.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

func (a *OfficialAuthority) withClient(ctx context.Context) context.Context {
	if a.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, a.HTTPClient)
	}
	return ctx
}

// Refresh exchanges a refresh token for a new access token.
func (a *OfficialAuthority) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if a.ClientID == "" || a.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	src := a.oauthConfig(nil).TokenSource(a.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: twitch refresh failed: %s", ErrRefreshRejected, re.Response.Status)
		}
		return nil, fmt.Errorf("twitch refresh failed: %w", err)
	}
	return tokenResult(tok), nil
}

// AuthorizeURL constructs the user authorization URL for the OAuth code grant.
func (a *OfficialAuthority) AuthorizeURL(scopes, state string) (string, error) {
	if a.ClientID == "" || a.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return a.oauthConfig(strings.Fields(strings.ReplaceAll(scopes, ",", " "))).AuthCodeURL(state), nil
}

// ExchangeCode exchanges an authorization code for access & refresh tokens.
func (a *OfficialAuthority) ExchangeCode(ctx context.Context, code string) (*RefreshResult, error) {
	if a.ClientID == "" || a.ClientSecret == "" || code == "" || a.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := a.oauthConfig(nil).Exchange(a.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return tokenResult(tok), nil
}

// Validate probes /oauth2/validate with the given access token.
func (a *OfficialAuthority) Validate(ctx context.Context, accessToken string) (*ValidateResult, error) {
	if accessToken == "" {
		return nil, errors.New("missing access token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL()+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	hc := a.HTTPClient
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
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var res ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func tokenResult(tok *oauth2.Token) *RefreshResult {
	res := &RefreshResult{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = int(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	switch scope := tok.Extra("scope").(type) {
	case []any:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				res.Scope = append(res.Scope, str)
			}
		}
	case string:
		res.Scope = strings.Fields(scope)
	}
	return res
}
