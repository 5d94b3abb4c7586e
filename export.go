package luffybot

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const exportRowCap = 5000

// ExportRunsCSV writes the runs of the last days days (clamped to [1,365])
// to a CSV file under the run-log directory and returns its path. At most
// 5000 rows; the note column is redacted.
func (e *Engine) ExportRunsCSV(ctx context.Context, days int) (string, error) {
	days = clampInt(days, 1, 365)
	startISO := FormatISO(time.Now().AddDate(0, 0, -days))

	rows, err := e.store.RunsSince(ctx, startISO, exportRowCap)
	if err != nil {
		return "", fmt.Errorf("export runs: %w", err)
	}

	outPath := filepath.Join(e.runLogDir, fmt.Sprintf("runs_export_%s.csv", time.Now().UTC().Format("20060102_150405")))
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("export runs: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"id", "script_key", "requester_id", "requester_tag", "public_request",
		"status", "return_code", "started_at", "ended_at", "duration_seconds", "log_path", "note",
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("export runs: %w", err)
	}
	for _, r := range rows {
		record := []string{
			strconv.FormatInt(r.ID, 10),
			r.ScriptKey,
			strconv.FormatInt(r.RequesterID, 10),
			r.RequesterTag,
			strconv.Itoa(boolInt(r.PublicRequest)),
			string(r.Status),
			optIntString(r.ReturnCode),
			r.StartedAt,
			optString(r.EndedAt),
			optFloatString(r.DurationSeconds),
			r.LogPath,
			Redact(r.Note),
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("export runs: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("export runs: %w", err)
	}
	return outPath, nil
}

func optIntString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func optFloatString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
