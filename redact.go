package luffybot

import "strings"

const redactedMark = "[REDACTED]"

var webhookPrefixes = []string{
	"https://discord.com/api/webhooks/",
	"https://ptb.discord.com/api/webhooks/",
	"https://canary.discord.com/api/webhooks/",
}

var secretMarkers = []string{
	"TOKEN=",
	"DISCORD_TOKEN=",
	"MISTRAL_API_KEY=",
	"WIKIBOT_PASSWORD=",
}

// Redact masks webhook URL paths and secret-bearing assignments in outbound
// text. Idempotent: redacting already-redacted text is a no-op.
func Redact(text string) string {
	out := text
	for _, prefix := range webhookPrefixes {
		out = insertAfter(out, prefix, redactedMark+"/")
	}
	for _, marker := range secretMarkers {
		out = insertAfter(out, marker, redactedMark)
	}
	return out
}

// insertAfter places ins after every occurrence of marker that is not
// already followed by ins.
func insertAfter(text, marker, ins string) string {
	var b strings.Builder
	rest := text
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := i + len(marker)
		b.WriteString(rest[:end])
		if !strings.HasPrefix(rest[end:], ins) {
			b.WriteString(ins)
		}
		rest = rest[end:]
	}
}
