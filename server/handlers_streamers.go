package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
	"github.com/O-Tiger/WebServiceTwitchBot/db"
)

type streamerRequest struct {
	Channel     string `json:"channel"`
	DisplayName string `json:"display_name"`
}

func (h *Handlers) HandleStreamersList(w http.ResponseWriter, r *http.Request) {
	if h.Directory == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	list, err := h.Directory.ListSavedChannels(r.Context())
	if err != nil {
		slog.Error("list saved channels", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if list == nil {
		list = []db.SavedChannel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamers": list})
}

// HandleStreamerAdd saves a channel. Names are stored lowercase without a
// leading @ or #; a duplicate answers 409.
func (h *Handlers) HandleStreamerAdd(w http.ResponseWriter, r *http.Request) {
	if h.Directory == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	var req streamerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel := bot.NormalizeChannel(req.Channel)
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	display := strings.TrimLeft(strings.TrimSpace(req.DisplayName), "@#")
	if display == "" && h.Users != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		name, err := h.Users.DisplayName(ctx, channel)
		cancel()
		if err != nil {
			slog.Debug("display name lookup failed", slog.String("channel", channel), slog.Any("err", err))
		} else {
			display = name
		}
	}
	added, err := h.Directory.SaveChannel(r.Context(), channel, display)
	if err != nil {
		slog.Error("save channel", slog.String("channel", channel), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	if !added {
		writeError(w, http.StatusConflict, "channel already saved")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "channel": channel})
}

func (h *Handlers) HandleStreamerRemove(w http.ResponseWriter, r *http.Request) {
	if h.Directory == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	channel := channelParam(r)
	removed, err := h.Directory.RemoveSavedChannel(r.Context(), channel)
	if err != nil {
		slog.Error("remove saved channel", slog.String("channel", channel), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "remove failed")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "channel not saved")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "channel": channel})
}
