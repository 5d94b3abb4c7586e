package luffybot

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ReadLogTail returns the redacted last lines of a run log, capped at
// maxChars characters (tail-biased).
func ReadLogTail(path string, lines, maxChars int) string {
	if lines < 1 {
		lines = 1
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "Log introuvable."
		}
		return fmt.Sprintf("Impossible de lire le log: %v", err)
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	snippet := Redact(strings.Join(all, "\n"))
	if maxChars > 0 && len(snippet) > maxChars {
		snippet = snippet[len(snippet)-maxChars:]
	}
	return snippet
}

const searchScanLines = 4000

// SearchRunLogs greps the recent run logs for needle (case-insensitive) and
// returns up to maxLines matching lines as "#<runId> <script> | <line>",
// redacted. Only the last 4000 lines of each log are scanned.
func (e *Engine) SearchRunLogs(ctx context.Context, needle string, maxLines int) (string, error) {
	query := strings.ToLower(strings.TrimSpace(needle))
	if query == "" {
		return "Pattern vide.", nil
	}
	maxLines = clampInt(maxLines, 1, 200)

	runs, err := e.store.LastRuns(ctx, "", 50)
	if err != nil {
		return "", fmt.Errorf("search logs: %w", err)
	}

	var matches []string
	for _, run := range runs {
		if run.LogPath == "" {
			continue
		}
		data, err := os.ReadFile(run.LogPath)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		if len(lines) > searchScanLines {
			lines = lines[len(lines)-searchScanLines:]
		}
		for _, line := range lines {
			if !strings.Contains(strings.ToLower(line), query) {
				continue
			}
			matches = append(matches, fmt.Sprintf("#%d %s | %s", run.ID, run.ScriptKey, truncate(line, 250)))
			if len(matches) >= maxLines {
				return Redact(strings.Join(matches, "\n")), nil
			}
		}
	}
	if len(matches) == 0 {
		return "Aucune correspondance trouvee.", nil
	}
	return Redact(strings.Join(matches, "\n")), nil
}
