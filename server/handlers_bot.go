package server

import (
	"log/slog"
	"net/http"
	"strings"
)

type connectRequest struct {
	Prefix string `json:"prefix"`
}

// HandleConnect starts a worker for {channel} with the current chat token.
// The body is optional and may override the command prefix.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	var req connectRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Prefix == "" {
		req.Prefix = h.CommandPrefix
	}
	if h.Credentials == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth token not configured")
		return
	}
	token, ok := h.Credentials.GetValidToken(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no valid oauth token")
		return
	}
	if !h.Supervisor.Connect(channel, token, req.Prefix) {
		writeError(w, http.StatusConflict, "channel already connected")
		return
	}
	slog.Info("channel connect requested", slog.String("channel", channel), slog.String("component", "http"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting", "channel": channel})
}

// HandleDisconnect stops {channel}'s worker and waits for it to close.
func (h *Handlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	if !h.Supervisor.Disconnect(channel) {
		writeError(w, http.StatusNotFound, "channel not connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "channel": channel})
}

type sendRequest struct {
	Message string `json:"message"`
}

// HandleSend queues a chat line on {channel}.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}
	if !h.Supervisor.SendMessage(channel, req.Message) {
		writeError(w, http.StatusConflict, "message not queued: channel offline or send queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "channel": channel})
}

// HandleChannelsList lists live channels.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": h.Supervisor.ActiveChannels()})
}

// HandleChannelStats returns one channel's snapshot.
func (h *Handlers) HandleChannelStats(w http.ResponseWriter, r *http.Request) {
	st, ok := h.Supervisor.GetChannelStats(channelParam(r))
	if !ok {
		writeError(w, http.StatusNotFound, "channel not connected")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStats returns counters summed over every live channel.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Supervisor.GetAggregatedStats())
}

// HandleRaids lists recent raids for {channel}, newest first.
func (h *Handlers) HandleRaids(w http.ResponseWriter, r *http.Request) {
	if h.Directory == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	limit := parseIntQuery(r, "limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	raids, err := h.Directory.RecentRaids(r.Context(), channelParam(r), limit)
	if err != nil {
		slog.Error("list raids", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "list raids failed")
		return
	}
	if raids == nil {
		writeJSON(w, http.StatusOK, map[string]any{"raids": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"raids": raids})
}
