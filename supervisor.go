package luffybot

import (
	"context"
	"fmt"
	"time"
)

const (
	watchSliceMax = 2500 * time.Millisecond
	watchSliceMin = 150 * time.Millisecond
)

// watchScript supervises one child to its terminal status, finalizes the
// ledger row exactly once and re-drains the queue. Runs on its own goroutine.
func (e *Engine) watchScript(rs *RunningScript) {
	defer e.wg.Done()

	status, rc, note, wasStopped := e.supervise(rs)
	duration := time.Since(rs.StartedAt).Seconds()

	if rs.logFile != nil {
		rs.logFile.Sync()
		rs.logFile.Close()
	}

	if err := e.store.FinalizeRun(context.Background(), rs.RunID, RunFinal{
		Status:          status,
		ReturnCode:      rc,
		Note:            note,
		EndedAt:         UTCNowISO(),
		DurationSeconds: duration,
	}); err != nil {
		e.log.Error("finalize run failed", "run_id", rs.RunID, "error", err)
		e.notifier.Critical(fmt.Sprintf("Finalisation ledger impossible\nrun_id=%d script=%s err=%v", rs.RunID, rs.ScriptKey, err))
	}

	e.mu.Lock()
	delete(e.running, rs.ScriptKey)
	delete(e.stopRequested, rs.RunID)
	e.mu.Unlock()

	level := LevelWarning
	if status == StatusSuccess {
		level = LevelInfo
	}
	e.serverLog(ServerLogEvent{
		Level:     level,
		Event:     "run_finish",
		ActorID:   rs.RequesterID,
		ChannelID: rs.ChannelID,
		Details: fmt.Sprintf("run_id=%d script=%s status=%s rc=%s dur=%s note=%s",
			rs.RunID, rs.ScriptKey, status, fmtRC(rc), FormatDuration(duration), truncate(note, 500)),
	})
	e.metrics.RunFinished(rs.ScriptKey, string(status), duration)

	e.changed()
	e.signalWake()
	e.ApplyPresence()

	if status == StatusSuccess {
		return
	}

	failures := e.trackFailure(rs.ScriptKey)
	e.notifier.Notify(LevelWarning, fmt.Sprintf(
		"Script termine en anomalie\nrun_id=%d script=%s status=%s rc=%s duree=%s\nretry=%d note=%s\nlog=%s",
		rs.RunID, rs.ScriptKey, status, fmtRC(rc), FormatDuration(duration), rs.RetryIndex, note, rs.LogPath))

	if failures >= 3 {
		e.notifier.Critical(fmt.Sprintf("Crash loop detecte\nscript=%s\nerreurs_15min=%d\ndernier_run=%d",
			rs.ScriptKey, failures, rs.RunID))
	}
	if status == StatusTimedOut || status == StatusKilledResource {
		e.notifier.Critical(fmt.Sprintf("Incident critique script\nrun_id=%d script=%s status=%s\nnote=%s",
			rs.RunID, rs.ScriptKey, status, note))
	}

	e.maybeScheduleRetry(rs, status, note, wasStopped)
}

// supervise runs the watch loop and classifies the exit. A panic anywhere in
// the loop is converted into a failed status so the ledger row is still
// finalized and the scheduler keeps going.
func (e *Engine) supervise(rs *RunningScript) (status RunStatus, rc *int, note string, wasStopped bool) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusFailed
			note = fmt.Sprintf("Exception watcher: %v", r)
			rc = nil
			e.log.Error("watcher panic", "run_id", rs.RunID, "script", rs.ScriptKey, "panic", r)
			e.notifier.Critical(fmt.Sprintf("Exception watcher\nrun_id=%d script=%s\nerr=%v", rs.RunID, rs.ScriptKey, r))
		}
	}()

	deadline := rs.StartedAt.Add(time.Duration(max(rs.TimeoutSeconds, 1)) * time.Second)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			rs.kill()
			<-rs.exited
			code := rs.exitCode
			return StatusTimedOut, &code, fmt.Sprintf("Timeout atteint (%ds)", rs.TimeoutSeconds), false
		}

		if violation := e.resourceViolation(rs); violation != "" {
			rs.kill()
			<-rs.exited
			code := rs.exitCode
			e.metrics.ResourceKill(rs.ScriptKey)
			return StatusKilledResource, &code, violation, false
		}

		// Wait slice tracks the remaining deadline (with a 150ms floor),
		// so the kill lands within one short slice of the timeout.
		slice := remaining
		if slice > watchSliceMax {
			slice = watchSliceMax
		}
		if slice < watchSliceMin {
			slice = watchSliceMin
		}

		select {
		case <-rs.exited:
			code := rs.exitCode
			stopped := e.isStopRequested(rs.RunID)
			switch {
			case stopped:
				return StatusKilled, &code, "Arret demande par operateur", true
			case code == 0:
				return StatusSuccess, &code, "", false
			default:
				return StatusFailed, &code, fmt.Sprintf("Code retour non nul: %d", code), false
			}
		case <-time.After(slice):
		}
	}
}

// resourceViolation evaluates the hard kill predicates against the child and
// the host. Per-process RSS and free disk are fatal even for critical
// scripts; system RAM and load are skipped for them.
func (e *Engine) resourceViolation(rs *RunningScript) string {
	def, _ := e.catalog.Get(rs.ScriptKey)

	maxProcMB := SettingInt(e.store, SettingMaxProcessRAMMB, 1400, 64, 32768)
	maxRAMPct := SettingInt(e.store, SettingMaxSystemRAMPercent, 92, 50, 99)
	maxLoadX10 := SettingInt(e.store, SettingMaxLoadPerCPUx10, 30, 5, 120)
	minFreeGB := SettingInt(e.store, SettingMinFreeDiskGB, 2, 0, 500)

	if rssMB := e.probe.ProcessRSSMB(rs.PID()); rssMB > maxProcMB {
		return fmt.Sprintf("RSS process trop eleve: %dMB > %dMB", rssMB, maxProcMB)
	}

	usedMB, totalMB := e.probe.MemoryStatsMB()
	if totalMB > 0 && !def.Critical {
		ramPct := float64(usedMB) / float64(totalMB) * 100.0
		if ramPct > float64(maxRAMPct) {
			return fmt.Sprintf("RAM systeme trop elevee: %.1f%% > %d%%", ramPct, maxRAMPct)
		}
	}

	if perCPU := e.probe.LoadPerCPU(); perCPU > float64(maxLoadX10)/10.0 && !def.Critical {
		return fmt.Sprintf("Charge CPU trop elevee: %.2f/cpu > %.2f/cpu", perCPU, float64(maxLoadX10)/10.0)
	}

	if freeGB := int(e.probe.DiskFreeBytes(e.scriptsDir) / (1 << 30)); freeGB < minFreeGB {
		return fmt.Sprintf("Disque libre insuffisant: %dGB < %dGB", freeGB, minFreeGB)
	}

	return ""
}

// maybeScheduleRetry enqueues a follow-up run after a retryable non-success.
// Stop-requested runs are never retried. The retry inherits priority and
// target, defers by an exponential backoff capped at one hour, and bypasses
// the parallel limit only for operator-originated runs.
func (e *Engine) maybeScheduleRetry(rs *RunningScript, status RunStatus, note string, wasStopped bool) {
	if wasStopped {
		return
	}
	if status != StatusFailed && status != StatusTimedOut && status != StatusKilledResource {
		return
	}
	maxRetry := SettingInt(e.store, SettingMaxAutoRetries, 1, 0, 5)
	if rs.RetryIndex >= maxRetry {
		return
	}

	backoff := SettingInt(e.store, SettingRetryBackoffSeconds, 45, 5, 3600)
	delaySeconds := min(backoff<<uint(rs.RetryIndex), 3600)
	delay := time.Duration(delaySeconds) * time.Second

	result, err := e.RequestStart(context.Background(), StartRequest{
		ScriptKey:      rs.ScriptKey,
		RequesterID:    rs.RequesterID,
		RequesterTag:   rs.RequesterTag,
		ChannelID:      rs.ChannelID,
		PublicRequest:  rs.PublicRequest,
		BypassLimits:   !rs.PublicRequest,
		Priority:       max(1, rs.Priority),
		RetryIndex:     rs.RetryIndex + 1,
		RetryOfRunID:   rs.RunID,
		NotBeforeDelay: delay,
		CommandArgs:    rs.CommandArgs,
		TargetLabel:    rs.TargetLabel,
	})
	if err != nil {
		e.notifier.Critical(fmt.Sprintf("Retry impossible\nrun_id=%d script=%s retry=%d\nerr=%v",
			rs.RunID, rs.ScriptKey, rs.RetryIndex+1, err))
		return
	}

	e.serverLog(ServerLogEvent{
		Level:     LevelWarning,
		Event:     "run_retry_scheduled",
		ActorID:   rs.RequesterID,
		ChannelID: rs.ChannelID,
		Details: fmt.Sprintf("from_run=%d script=%s retry=%d delay=%ds state=%s note=%s",
			rs.RunID, rs.ScriptKey, rs.RetryIndex+1, delaySeconds, result.State, truncate(note, 200)),
	})
}

func fmtRC(rc *int) string {
	if rc == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *rc)
}
