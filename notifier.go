package luffybot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification levels.
const (
	LevelInfo     = "info"
	LevelSuccess  = "success"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// Notifier is the outbound port toward the chat platform. Calls never block
// and never fail from the caller's point of view; delivery is best-effort
// with internal retry.
type Notifier interface {
	Notify(level, text string)
	Critical(text string)
	PresenceUpdate(status, activity string)
}

// Sender is the transport half a chat binding implements
// (see frontend/discordhook).
type Sender interface {
	Send(ctx context.Context, level, text string) error
	Presence(ctx context.Context, status, activity string) error
}

// NopNotifier discards everything. The engine default.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string)         {}
func (NopNotifier) Critical(string)               {}
func (NopNotifier) PresenceUpdate(string, string) {}

const (
	notifierQueueCap     = 256
	notifierDedupeWindow = 60 * time.Second
	notifierMaxAttempts  = 6
	notifierSendTimeout  = 10 * time.Second
)

type outboundMessage struct {
	id        string
	level     string
	text      string
	attempts  int
	notBefore time.Time
}

// BufferedNotifier decorates a Sender with a bounded queue, a content-hash
// dedupe window, exponential-backoff retry and a periodic flush. Overflow
// drops the oldest message. All outbound text is redacted.
type BufferedNotifier struct {
	sender      Sender
	log         *slog.Logger
	mentionUser func() int64 // critical mention target, 0 = none

	mu    sync.Mutex
	queue []outboundMessage
	seen  map[string]time.Time
	wake  chan struct{}
}

type NotifierOption func(*BufferedNotifier)

func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *BufferedNotifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithCriticalMention sets the resolver for the user id mentioned in
// critical alerts. Resolved at send time so the setting can change live.
func WithCriticalMention(resolve func() int64) NotifierOption {
	return func(n *BufferedNotifier) { n.mentionUser = resolve }
}

func NewBufferedNotifier(sender Sender, opts ...NotifierOption) *BufferedNotifier {
	n := &BufferedNotifier{
		sender:      sender,
		log:         nopLogger,
		mentionUser: func() int64 { return 0 },
		seen:        make(map[string]time.Time),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify enqueues one message. Duplicate content within the dedupe window is
// silently dropped.
func (n *BufferedNotifier) Notify(level, text string) {
	safe := Redact(text)
	sum := sha256.Sum256([]byte(level + "\n" + safe))
	key := hex.EncodeToString(sum[:])
	now := time.Now()

	n.mu.Lock()
	if last, ok := n.seen[key]; ok && now.Sub(last) < notifierDedupeWindow {
		n.mu.Unlock()
		return
	}
	n.seen[key] = now
	for k, ts := range n.seen {
		if now.Sub(ts) >= notifierDedupeWindow {
			delete(n.seen, k)
		}
	}
	if len(n.queue) >= notifierQueueCap {
		dropped := n.queue[0]
		n.queue = n.queue[1:]
		n.log.Warn("notifier queue full, dropping oldest", "id", dropped.id, "level", dropped.level)
	}
	n.queue = append(n.queue, outboundMessage{
		id:    uuid.NewString(),
		level: level,
		text:  safe,
	})
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Critical prepends the mention of the critical user and notifies at the
// critical level.
func (n *BufferedNotifier) Critical(text string) {
	if id := n.mentionUser(); id != 0 {
		n.Notify(LevelCritical, fmt.Sprintf("<@%d> CRITICAL\n%s", id, text))
		return
	}
	n.Notify(LevelCritical, "CRITICAL\n"+text)
}

// PresenceUpdate is best-effort and never surfaces an error.
func (n *BufferedNotifier) PresenceUpdate(status, activity string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifierSendTimeout)
		defer cancel()
		if err := n.sender.Presence(ctx, status, Redact(activity)); err != nil {
			n.log.Debug("presence update failed", "error", err)
		}
	}()
}

// Run flushes the queue until ctx is cancelled. One attempt per message per
// pass; failed sends back off exponentially and are abandoned after
// notifierMaxAttempts.
func (n *BufferedNotifier) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		case <-ticker.C:
		}
		n.flush(ctx)
	}
}

func (n *BufferedNotifier) flush(ctx context.Context) {
	for {
		msg, ok := n.popEligible()
		if !ok {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, notifierSendTimeout)
		err := n.sender.Send(sendCtx, msg.level, msg.text)
		cancel()
		if err == nil {
			continue
		}
		msg.attempts++
		if msg.attempts >= notifierMaxAttempts {
			n.log.Error("notifier message abandoned", "id", msg.id, "level", msg.level, "attempts", msg.attempts, "error", err)
			continue
		}
		backoff := time.Duration(1<<uint(msg.attempts)) * time.Second
		if backoff > time.Minute {
			backoff = time.Minute
		}
		msg.notBefore = time.Now().Add(backoff)
		n.mu.Lock()
		n.queue = append(n.queue, msg)
		n.mu.Unlock()
		n.log.Warn("notifier send failed, retrying", "id", msg.id, "attempt", msg.attempts, "backoff", backoff, "error", err)
		return
	}
}

func (n *BufferedNotifier) popEligible() (outboundMessage, bool) {
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, msg := range n.queue {
		if msg.notBefore.After(now) {
			continue
		}
		n.queue = append(n.queue[:i], n.queue[i+1:]...)
		return msg, true
	}
	return outboundMessage{}, false
}

// Pending returns the queued message count.
func (n *BufferedNotifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}
