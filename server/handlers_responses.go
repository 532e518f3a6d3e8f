package server

import (
	"net/http"
	"strings"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
)

// readAutoResponse decodes and checks a {"trigger","response"} body.
func readAutoResponse(w http.ResponseWriter, r *http.Request) (bot.AutoResponse, bool) {
	var req bot.AutoResponse
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	req.Trigger = strings.TrimSpace(req.Trigger)
	if req.Trigger == "" || strings.TrimSpace(req.Response) == "" {
		writeError(w, http.StatusBadRequest, "trigger and response required")
		return req, false
	}
	return req, true
}

func (h *Handlers) HandleResponsesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"responses": h.Supervisor.AutoResponses()})
}

// HandleResponseAdd sets a global auto-response on every live channel.
func (h *Handlers) HandleResponseAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := readAutoResponse(w, r)
	if !ok {
		return
	}
	if !h.Supervisor.AddAutoResponse(req.Trigger, req.Response) {
		writeError(w, http.StatusBadRequest, "invalid trigger")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "trigger": req.Trigger})
}

func (h *Handlers) HandleResponseRemove(w http.ResponseWriter, r *http.Request) {
	trigger := r.PathValue("trigger")
	if !h.Supervisor.RemoveAutoResponse(trigger) {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "trigger": trigger})
}

// HandleChannelResponseAdd sets an auto-response on one live channel only.
func (h *Handlers) HandleChannelResponseAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := readAutoResponse(w, r)
	if !ok {
		return
	}
	channel := channelParam(r)
	if !h.Supervisor.AddChannelAutoResponse(channel, req.Trigger, req.Response) {
		writeError(w, http.StatusNotFound, "channel not connected")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "channel": channel, "trigger": req.Trigger})
}

func (h *Handlers) HandleChannelResponseRemove(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r)
	trigger := r.PathValue("trigger")
	if !h.Supervisor.RemoveChannelAutoResponse(channel, trigger) {
		writeError(w, http.StatusNotFound, "trigger or channel not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "channel": channel, "trigger": trigger})
}
