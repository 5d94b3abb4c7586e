package luffybot

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// queuedKeysLocked returns the set of script keys present in the queue.
// Caller holds e.mu.
func (e *Engine) queuedKeysLocked() map[string]struct{} {
	keys := make(map[string]struct{}, len(e.queue))
	for _, item := range e.queue {
		keys[item.ScriptKey] = struct{}{}
	}
	return keys
}

// queueLess is the selection order: priority, then enqueue time, then
// queue id.
func queueLess(a, b *QueuedScript) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.QueueID < b.QueueID
}

// Enqueue admits a validated request into the queue, enforcing the
// (running ∪ queued) uniqueness invariant, and returns the queue id plus
// the item's 1-based position under the selection order.
func (e *Engine) Enqueue(req StartRequest) (int64, int, error) {
	if _, ok := e.catalog.Get(req.ScriptKey); !ok {
		return 0, 0, &ErrUnknownScript{Key: req.ScriptKey}
	}

	e.mu.Lock()
	if _, running := e.running[req.ScriptKey]; running {
		e.mu.Unlock()
		return 0, 0, &ErrAlreadyActive{Key: req.ScriptKey}
	}
	if _, queued := e.queuedKeysLocked()[req.ScriptKey]; queued {
		e.mu.Unlock()
		return 0, 0, &ErrAlreadyActive{Key: req.ScriptKey}
	}

	e.queueSeq++
	item := &QueuedScript{
		QueueID:       e.queueSeq,
		ScriptKey:     req.ScriptKey,
		RequesterID:   req.RequesterID,
		RequesterTag:  req.RequesterTag,
		ChannelID:     req.ChannelID,
		PublicRequest: req.PublicRequest,
		BypassLimits:  req.BypassLimits,
		Priority:      clampInt(req.Priority, 1, 9),
		RetryIndex:    max(req.RetryIndex, 0),
		RetryOfRunID:  req.RetryOfRunID,
		EnqueuedAt:    time.Now(),
		NotBefore:     time.Now().Add(max(req.NotBeforeDelay, 0)),
		CommandArgs:   append([]string(nil), req.CommandArgs...),
		ExtraEnv:      copyEnv(req.ExtraEnv),
		TargetLabel:   truncate(strings.TrimSpace(req.TargetLabel), 120),
	}
	e.queue = append(e.queue, item)
	position := e.queuePositionLocked(item.QueueID)
	e.mu.Unlock()

	e.serverLog(ServerLogEvent{
		Level:     LevelInfo,
		Event:     "queue_enqueue",
		ActorID:   req.RequesterID,
		ChannelID: req.ChannelID,
		Details: fmt.Sprintf("queue_id=%d script=%s prio=%d retry=%d target=%s",
			item.QueueID, item.ScriptKey, item.Priority, item.RetryIndex, truncate(item.TargetLabel, 80)),
	})
	e.changed()
	e.signalWake()
	return item.QueueID, position, nil
}

// queuePositionLocked returns the 1-based rank of queueID under the
// selection order. Caller holds e.mu.
func (e *Engine) queuePositionLocked(queueID int64) int {
	ordered := make([]*QueuedScript, len(e.queue))
	copy(ordered, e.queue)
	sort.Slice(ordered, func(i, j int) bool { return queueLess(ordered[i], ordered[j]) })
	for idx, item := range ordered {
		if item.QueueID == queueID {
			return idx + 1
		}
	}
	return len(ordered)
}

// pickQueueIndexLocked returns the index of the first eligible item under
// the selection order, or -1. Caller holds e.mu.
func (e *Engine) pickQueueIndexLocked() int {
	if len(e.queue) == 0 {
		return -1
	}
	maxParallel := SettingInt(e.store, SettingMaxParallelRuns, 4, 1, 20)
	runningCount := len(e.running)
	now := time.Now()

	indices := make([]int, len(e.queue))
	for i := range indices {
		indices[i] = i
	}
	sort.Slice(indices, func(a, b int) bool { return queueLess(e.queue[indices[a]], e.queue[indices[b]]) })

	for _, idx := range indices {
		item := e.queue[idx]
		if item.NotBefore.After(now) {
			continue
		}
		if _, running := e.running[item.ScriptKey]; running {
			continue
		}
		if !item.BypassLimits && runningCount >= maxParallel {
			continue
		}
		return idx
	}
	return -1
}

// requeue returns a deferred item to the queue unless its key reappeared in
// running or queued meanwhile (in which case the item is dropped to keep the
// uniqueness invariant).
func (e *Engine) requeue(item *QueuedScript, delay time.Duration) {
	item.NotBefore = time.Now().Add(delay)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.running[item.ScriptKey]; running {
		return
	}
	if _, queued := e.queuedKeysLocked()[item.ScriptKey]; queued {
		return
	}
	e.queue = append(e.queue, item)
}

// QueueLines renders the first limit queue items for status surfaces.
func (e *Engine) QueueLines(limit int) []string {
	e.mu.Lock()
	ordered := make([]*QueuedScript, len(e.queue))
	copy(ordered, e.queue)
	e.mu.Unlock()
	sort.Slice(ordered, func(i, j int) bool { return queueLess(ordered[i], ordered[j]) })
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}

	now := time.Now()
	lines := make([]string, 0, len(ordered))
	for idx, item := range ordered {
		wait := now.Sub(item.EnqueuedAt).Seconds()
		if wait < 0 {
			wait = 0
		}
		delay := ""
		if rem := item.NotBefore.Sub(now); rem > 0 {
			delay = fmt.Sprintf(" (dans %ds)", int(rem.Seconds()))
		}
		lines = append(lines, fmt.Sprintf("%d. `%s` prio=%d retry=%d attente=%s%s",
			idx+1, item.ScriptKey, item.Priority, item.RetryIndex, FormatDuration(wait), delay))
	}
	return lines
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
