package luffybot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UTCNowISO returns the current time as a second-precision ISO 8601 UTC
// string, the format every durable timestamp uses. Lexicographic order on
// these strings matches chronological order.
func UTCNowISO() string {
	return FormatISO(time.Now())
}

// FormatISO renders t as a second-precision ISO 8601 UTC string.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ParseISO parses an ISO 8601 timestamp, tolerating a trailing Z or a
// numeric offset. The zero time and false are returned on malformed input.
func ParseISO(value string) (time.Time, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02T15:04:05Z", time.RFC3339, "2006-01-02T15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatDuration renders a duration as 1h02m03s / 2m03s / 3s.
// Negative values render as 0s.
func FormatDuration(seconds float64) string {
	total := int(seconds)
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%02dm%02ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm%02ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// ParseIntCSV extracts integers from a comma- or semicolon-separated list,
// skipping blanks and malformed tokens.
func ParseIntCSV(raw string) []int64 {
	var values []int64
	for _, part := range strings.Split(strings.ReplaceAll(raw, ";", ","), ",") {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
