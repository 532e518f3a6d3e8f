package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/credential"
	"github.com/O-Tiger/WebServiceTwitchBot/twitchapi"
)

// HandleTwitchOAuthStart redirects the operator to Twitch to authorise the
// bot account. The state is kept server side and mirrored in a cookie.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.OAuth.ClientID == "" || h.OAuth.RedirectURI == "" {
		writeError(w, http.StatusBadRequest, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)")
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, http.StatusInternalServerError, "state generation failed")
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now()) {
		writeError(w, http.StatusServiceUnavailable, "too many pending authorisations")
		return
	}
	authURL, err := h.OAuth.AuthorizeURL(h.Scopes, st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    st,
		Path:     "/auth/twitch",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorisation code and installs the
// resulting token pair in the credential store.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil || h.Credentials == nil {
		writeError(w, http.StatusBadRequest, "oauth not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "authorisation denied: "+e)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value != st || !h.consumeOAuthState(st, time.Now()) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/auth/twitch", MaxAge: -1})

	ctx := r.Context()
	res, err := h.OAuth.ExchangeCode(ctx, code)
	if err != nil {
		slog.Error("twitch code exchange failed", slog.Any("err", err), slog.String("component", "oauth"))
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	cred := credential.Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    twitchapi.ComputeExpiry(time.Now(), res.ExpiresIn),
		Scopes:       res.Scope,
	}
	if v, err := h.OAuth.Validate(ctx, res.AccessToken); err == nil {
		cred.Login = v.Login
	}
	h.Credentials.Replace(ctx, cred)
	slog.Info("twitch authorisation stored", slog.String("login", cred.Login), slog.String("component", "oauth"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "login": cred.Login, "scopes": res.Scope, "expires_in": res.ExpiresIn})
}
