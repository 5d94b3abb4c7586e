package luffybot

import (
	"context"
	"fmt"
	"time"
)

// RequestStart is the single entry point for starting a script. It walks the
// admission gate, enqueues the request, then drains the queue once; the
// result reports whether this request launched immediately or waits.
//
// Rejections are returned synchronously and leave no state behind:
// ErrKillSwitchActive, ErrMaintenanceActive, ErrPublicDisabled,
// ErrChannelNotAllowed, ErrCooldown, ErrUnknownScript, ErrAlreadyActive.
func (e *Engine) RequestStart(ctx context.Context, req StartRequest) (StartResult, error) {
	if e.control.KillSwitch() {
		return StartResult{}, ErrKillSwitchActive
	}
	if e.control.Maintenance() && req.PublicRequest && !req.BypassLimits {
		return StartResult{}, ErrMaintenanceActive
	}

	def, known := e.catalog.Get(req.ScriptKey)
	if !known {
		return StartResult{}, &ErrUnknownScript{Key: req.ScriptKey}
	}

	// Retries re-enter here after a run already passed the public gate;
	// only first-attempt public requests are gated.
	if req.PublicRequest && req.RetryIndex == 0 {
		if !def.Public {
			// Non-public scripts are invisible to the public audience.
			return StartResult{}, &ErrUnknownScript{Key: req.ScriptKey}
		}
		if !e.control.PublicStartEnabled() {
			return StartResult{}, ErrPublicDisabled
		}
		if !e.control.PublicChannelAllowed(req.ChannelID) {
			return StartResult{}, ErrChannelNotAllowed
		}
		if remain := e.cooldownRemaining(req.RequesterID, req.ScriptKey); remain > 0 {
			return StartResult{}, &ErrCooldown{Remain: remain}
		}
	}

	queueID, position, err := e.Enqueue(req)
	if err != nil {
		return StartResult{}, err
	}
	if req.PublicRequest && req.RetryIndex == 0 {
		e.recordPublicStart(req.RequesterID, req.ScriptKey)
	}

	launched := e.ProcessQueue(ctx, 8)
	for _, l := range launched {
		if l.QueueID == queueID {
			return StartResult{State: "started", QueueID: queueID, RunID: l.RunID, PID: l.PID}, nil
		}
	}
	return StartResult{State: "queued", QueueID: queueID, Position: position}, nil
}

func cooldownKey(userID int64, script string) string {
	return fmt.Sprintf("%d|%s", userID, script)
}

// cooldownRemaining returns how long the (user, script) pair must still wait,
// or zero when no cooldown applies.
func (e *Engine) cooldownRemaining(userID int64, script string) time.Duration {
	cooldown := SettingInt(e.store, SettingPublicCooldownSeconds, 120, 0, 3600)
	if cooldown <= 0 {
		return 0
	}
	e.mu.Lock()
	last, ok := e.lastPublicStart[cooldownKey(userID, script)]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	remain := time.Duration(cooldown)*time.Second - time.Since(last)
	if remain <= 0 {
		return 0
	}
	return remain
}

func (e *Engine) recordPublicStart(userID int64, script string) {
	e.mu.Lock()
	e.lastPublicStart[cooldownKey(userID, script)] = time.Now()
	e.mu.Unlock()
}
