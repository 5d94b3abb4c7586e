// Package discordhook delivers engine notifications to a Discord channel
// through an incoming webhook. It is the production luffybot.Sender; the
// engine itself stays chat-agnostic.
package discordhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Discord rejects message content above this length.
const maxContentLen = 2000

var levelPrefix = map[string]string{
	"info":     "ℹ️",
	"success":  "✅",
	"warning":  "⚠️",
	"error":    "❌",
	"critical": "🚨",
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithLogger sets a structured logger for the sender.
func WithLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// Sender posts messages to a Discord webhook URL.
type Sender struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// New creates a Sender for webhookURL.
func New(webhookURL string, opts ...SenderOption) *Sender {
	s := &Sender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type webhookPayload struct {
	Content string `json:"content"`
}

// Send posts one message. The level selects an emoji prefix; content above
// the Discord limit is truncated tail-first so the opening line survives.
func (s *Sender) Send(ctx context.Context, level, text string) error {
	content := text
	if prefix, ok := levelPrefix[level]; ok {
		content = prefix + " " + text
	}
	if len(content) > maxContentLen {
		content = content[:maxContentLen]
	}

	body, err := json.Marshal(webhookPayload{Content: content})
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		s.logger.Warn("discord webhook rejected message", "status", resp.StatusCode, "body", string(detail))
		return fmt.Errorf("discord send: status %d", resp.StatusCode)
	}
	s.logger.Debug("discord message delivered", "level", level, "bytes", len(content))
	return nil
}

// Presence is not supported by incoming webhooks; the desired presence is
// only logged. A gateway-connected binding would set it for real.
func (s *Sender) Presence(_ context.Context, status, activity string) error {
	s.logger.Debug("presence requested", "status", status, "activity", activity)
	return nil
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
