package server

import (
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
	"github.com/O-Tiger/WebServiceTwitchBot/importer"
)

const maxUploadBytes = 10 << 20

// uploadedFile opens the multipart "file" field and checks its extension.
func uploadedFile(w http.ResponseWriter, r *http.Request, exts ...string) (io.ReadCloser, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return nil, false
	}
	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if !slices.Contains(exts, ext) {
		_ = f.Close()
		writeError(w, http.StatusBadRequest, "file type not allowed")
		return nil, false
	}
	return f, true
}

// HandleImportStreamElements credits points from a StreamElements CSV export.
// An optional "channel" form field limits the import to one live channel.
func (h *Handlers) HandleImportStreamElements(w http.ResponseWriter, r *http.Request) {
	f, ok := uploadedFile(w, r, ".csv", ".txt")
	if !ok {
		return
	}
	defer f.Close() //nolint:errcheck
	rows, err := importer.ParseStreamElementsCSV(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel := bot.NormalizeChannel(r.FormValue("channel"))
	res := importer.ImportPoints(h.Supervisor, rows, channel)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "imported": res.Imported, "skipped": res.Skipped, "users": res.Sample})
}

// HandleImportNightbot adds every command of a Nightbot JSON export as a
// global auto-response.
func (h *Handlers) HandleImportNightbot(w http.ResponseWriter, r *http.Request) {
	f, ok := uploadedFile(w, r, ".json", ".txt")
	if !ok {
		return
	}
	defer f.Close() //nolint:errcheck
	responses, err := importer.ParseNightbotJSON(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := importer.ImportResponses(h.Supervisor, responses)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "imported": res.Imported, "skipped": res.Skipped, "commands": res.Sample})
}
