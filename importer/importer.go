// Package importer reads exports from other chat bots and replays them into
// the supervisor.
package importer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
)

// PointsRow is one user balance from a StreamElements export.
type PointsRow struct {
	Username string `json:"username"`
	Points   int    `json:"points"`
}

// ErrMissingColumn is returned when a CSV header lacks a username or points column.
var ErrMissingColumn = errors.New("importer: missing column")

// ParseStreamElementsCSV reads a StreamElements points export. The header
// must name a user column ("username" or "user") and a balance column
// ("points" or "balance"); other columns such as watchtime are ignored.
// Rows with an empty username are skipped.
func ParseStreamElementsCSV(r io.Reader) ([]PointsRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	userCol, pointsCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "username":
			userCol = i
		case "user":
			if userCol < 0 {
				userCol = i
			}
		case "points":
			pointsCol = i
		case "balance":
			if pointsCol < 0 {
				pointsCol = i
			}
		}
	}
	if userCol < 0 {
		return nil, fmt.Errorf("%w: username", ErrMissingColumn)
	}
	if pointsCol < 0 {
		return nil, fmt.Errorf("%w: points", ErrMissingColumn)
	}

	var rows []PointsRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if userCol >= len(rec) {
			continue
		}
		user := strings.TrimSpace(rec[userCol])
		if user == "" {
			continue
		}
		pts := 0
		if pointsCol < len(rec) && strings.TrimSpace(rec[pointsCol]) != "" {
			pts, err = strconv.Atoi(strings.TrimSpace(rec[pointsCol]))
			if err != nil {
				return nil, fmt.Errorf("line %d: points %q: %w", line, rec[pointsCol], err)
			}
		}
		rows = append(rows, PointsRow{Username: user, Points: pts})
	}
	return rows, nil
}

type nightbotExport struct {
	Commands []struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"commands"`
}

// ParseNightbotJSON reads a Nightbot command export. Command names lose their
// leading "!" and become auto-response triggers; entries missing a name or a
// message are skipped.
func ParseNightbotJSON(r io.Reader) ([]bot.AutoResponse, error) {
	var exp nightbotExport
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return nil, fmt.Errorf("decode nightbot export: %w", err)
	}
	out := make([]bot.AutoResponse, 0, len(exp.Commands))
	for _, c := range exp.Commands {
		trigger := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(c.Name), "!"))
		if trigger == "" || strings.TrimSpace(c.Message) == "" {
			continue
		}
		out = append(out, bot.AutoResponse{Trigger: trigger, Response: c.Message})
	}
	return out, nil
}

// PointsSink receives imported balances.
type PointsSink interface {
	ImportUserPoints(username string, points int, channel string) bool
}

// ResponseSink receives imported commands.
type ResponseSink interface {
	AddAutoResponse(trigger, response string) bool
}

// Result summarises an import. Sample holds at most the first ten entries.
type Result struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Sample   any `json:"sample,omitempty"`
}

const sampleSize = 10

// ImportPoints credits every row through sink. Rows the sink rejects (no
// live channel to credit) count as skipped.
func ImportPoints(sink PointsSink, rows []PointsRow, channel string) Result {
	var res Result
	var ok []PointsRow
	for _, row := range rows {
		if !sink.ImportUserPoints(row.Username, row.Points, channel) {
			res.Skipped++
			continue
		}
		res.Imported++
		if len(ok) < sampleSize {
			ok = append(ok, row)
		}
	}
	res.Sample = ok
	slog.Info("points import finished", slog.String("component", "importer"), slog.String("channel", channel), slog.Int("imported", res.Imported), slog.Int("skipped", res.Skipped))
	return res
}

// ImportResponses adds every command to the global auto-response registry.
func ImportResponses(sink ResponseSink, responses []bot.AutoResponse) Result {
	var res Result
	var ok []bot.AutoResponse
	for _, r := range responses {
		if !sink.AddAutoResponse(r.Trigger, r.Response) {
			res.Skipped++
			continue
		}
		res.Imported++
		if len(ok) < sampleSize {
			ok = append(ok, r)
		}
	}
	res.Sample = ok
	slog.Info("command import finished", slog.String("component", "importer"), slog.Int("imported", res.Imported), slog.Int("skipped", res.Skipped))
	return res
}
