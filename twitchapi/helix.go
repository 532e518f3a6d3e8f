package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ErrUserNotFound is returned when Helix has no user for a login.
var ErrUserNotFound = errors.New("user not found")

// User is the subset of a Helix user the bot uses.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixClient looks up users with the bot's own chat token. Helix accepts a
// user access token as long as Client-Id matches the app that issued it.
type HelixClient struct {
	ClientID string
	// Token supplies a valid access token, usually credential.Store.GetValidToken.
	Token func(ctx context.Context) (string, bool)
	// BaseURL overrides https://api.twitch.tv.
	BaseURL    string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return "https://api.twitch.tv"
}

// GetUser resolves a login name.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	if hc.ClientID == "" || hc.Token == nil {
		return nil, fmt.Errorf("helix client not configured")
	}
	tok, ok := hc.Token(ctx)
	if !ok {
		return nil, fmt.Errorf("no valid token for helix")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/helix/users", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix users: status %d", resp.StatusCode)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, ErrUserNotFound
	}
	return &body.Data[0], nil
}

// DisplayName returns the user's display name, or the login when Helix has none.
func (hc *HelixClient) DisplayName(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	if u.DisplayName == "" {
		return u.Login, nil
	}
	return u.DisplayName, nil
}
