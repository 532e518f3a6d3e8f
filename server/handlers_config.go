package server

import (
	"net/http"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
)

// HandleConfig returns the non-secret runtime settings.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"command_prefix": h.CommandPrefix, "scopes": h.Scopes}
	if c := h.Config; c != nil {
		out["bot_username"] = c.TwitchBotUsername
		out["bonus_interval"] = c.BonusInterval.String()
		out["bonus_points"] = c.BonusPoints
		out["sub_bonus"] = c.SubBonus
		out["send_interval"] = c.SendInterval.String()
		out["send_burst"] = c.SendBurst
		out["disconnect_grace"] = c.DisconnectGrace.String()
		out["autoconnect"] = c.AutoConnect
		out["db_driver"] = c.DBDriver
	}
	writeJSON(w, http.StatusOK, out)
}

type channelStatus struct {
	Channel string     `json:"channel"`
	Status  bot.Status `json:"status"`
	Users   int        `json:"users"`
}

// HandleStatus summarises every live channel plus event stream health.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	channels := []channelStatus{}
	for _, ch := range h.Supervisor.ActiveChannels() {
		st, ok := h.Supervisor.GetChannelStats(ch)
		if !ok {
			continue
		}
		channels = append(channels, channelStatus{Channel: ch, Status: st.Status, Users: st.TotalUsers})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":       channels,
		"auto_responses": len(h.Supervisor.AutoResponses()),
		"sse_clients":    h.Events.Subscribers(),
		"sse_dropped":    h.Events.Dropped(),
	})
}
