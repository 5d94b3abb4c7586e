package luffybot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

func (r *RunningScript) terminate() {
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (r *RunningScript) kill() {
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
}

// launchScript spawns one child for item. The running entry is reserved
// under the state lock before the lock is released; the ledger insert, log
// open and spawn all happen outside it, so a slow spawn never stalls the
// other tasks while the uniqueness invariant still holds.
func (e *Engine) launchScript(ctx context.Context, item *QueuedScript) (int64, int, error) {
	def, ok := e.catalog.Get(item.ScriptKey)
	if !ok {
		return 0, 0, &ErrUnknownScript{Key: item.ScriptKey}
	}
	command := append(append([]string(nil), def.Command...), item.CommandArgs...)
	maxParallel := SettingInt(e.store, SettingMaxParallelRuns, 4, 1, 20)

	rs := &RunningScript{
		ScriptKey:      item.ScriptKey,
		RequesterID:    item.RequesterID,
		RequesterTag:   item.RequesterTag,
		ChannelID:      item.ChannelID,
		PublicRequest:  item.PublicRequest,
		Priority:       item.Priority,
		QueueID:        item.QueueID,
		RetryIndex:     item.RetryIndex,
		CommandArgs:    item.CommandArgs,
		TargetLabel:    item.TargetLabel,
		TimeoutSeconds: def.TimeoutSeconds,
		exited:         make(chan struct{}),
	}

	e.mu.Lock()
	if _, running := e.running[item.ScriptKey]; running {
		e.mu.Unlock()
		return 0, 0, &ErrAlreadyActive{Key: item.ScriptKey}
	}
	if !item.BypassLimits && len(e.running) >= maxParallel {
		e.mu.Unlock()
		return 0, 0, &ErrParallelLimit{Limit: maxParallel}
	}
	e.running[item.ScriptKey] = rs
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.running, item.ScriptKey)
		e.mu.Unlock()
	}

	now := time.Now()
	logPath := filepath.Join(e.runLogDir, fmt.Sprintf("run_%s_%s.log", now.UTC().Format("20060102_150405"), item.ScriptKey))

	runID, err := e.store.InsertRun(ctx, RunInsert{
		ScriptKey:     item.ScriptKey,
		RequesterID:   item.RequesterID,
		RequesterTag:  item.RequesterTag,
		PublicRequest: item.PublicRequest,
		Command:       command,
		StartedAt:     FormatISO(now),
		LogPath:       logPath,
	})
	if err != nil {
		release()
		return 0, 0, fmt.Errorf("insert run: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		release()
		e.finalizeSpawnFailure(runID)
		return 0, 0, &ErrSpawn{Key: item.ScriptKey, Err: err}
	}

	dryRun := e.control.DryRun()
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = e.scriptsDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = childEnv(dryRun, runID, item.ScriptKey, item.TargetLabel, item.ExtraEnv)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		release()
		e.finalizeSpawnFailure(runID)
		return 0, 0, &ErrSpawn{Key: item.ScriptKey, Err: err}
	}

	e.mu.Lock()
	rs.RunID = runID
	rs.StartedAt = time.Now()
	rs.StartedWall = now
	rs.LogPath = logPath
	rs.cmd = cmd
	rs.logFile = logFile
	e.mu.Unlock()

	// Reaper: the single Wait consumer. Watcher and stop escalation both
	// observe the exited channel instead of calling Wait themselves.
	go func() {
		waitErr := cmd.Wait()
		code := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		rs.exitCode = code
		close(rs.exited)
	}()

	e.wg.Add(1)
	go e.watchScript(rs)

	pid := cmd.Process.Pid
	e.metrics.RunStarted(item.ScriptKey)
	e.serverLog(ServerLogEvent{
		Level:     LevelInfo,
		Event:     "run_start",
		ActorID:   item.RequesterID,
		ChannelID: item.ChannelID,
		Details: fmt.Sprintf("run_id=%d queue_id=%d script=%s pid=%d retry=%d dry_run=%d target=%s",
			runID, item.QueueID, item.ScriptKey, pid, item.RetryIndex, boolInt(dryRun), truncate(item.TargetLabel, 80)),
	})
	return runID, pid, nil
}

func (e *Engine) finalizeSpawnFailure(runID int64) {
	err := e.store.FinalizeRun(context.Background(), runID, RunFinal{
		Status:          StatusFailed,
		Note:            "Impossible de demarrer le processus",
		EndedAt:         UTCNowISO(),
		DurationSeconds: 0,
	})
	if err != nil {
		e.log.Error("finalize spawn failure", "run_id", runID, "error", err)
	}
}

// childEnv copies the parent environment and applies the documented overlay.
// Entries with empty keys are skipped.
func childEnv(dryRun bool, runID int64, scriptKey, targetLabel string, extra map[string]string) []string {
	overlay := map[string]string{
		"MUFFYBOT_DRY_RUN":      fmt.Sprintf("%d", boolInt(dryRun)),
		"LUFFYBOT_RUN_ID":       fmt.Sprintf("%d", runID),
		"LUFFYBOT_SCRIPT_KEY":   scriptKey,
		"LUFFYBOT_TARGET_LABEL": truncate(targetLabel, 120),
	}
	for k, v := range extra {
		if k == "" {
			continue
		}
		overlay[k] = v
	}

	env := os.Environ()
	out := make([]string, 0, len(env)+len(overlay))
	for _, kv := range env {
		name, _, _ := cutEnv(kv)
		if _, shadowed := overlay[name]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func cutEnv(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// backpressureReason reports why a launch should be deferred for host
// pressure, or "" when none applies. Critical scripts bypass entirely.
// Thresholds are distinct from the hard resource-kill thresholds.
func (e *Engine) backpressureReason(scriptKey string) string {
	if def, ok := e.catalog.Get(scriptKey); ok && def.Critical {
		return ""
	}
	ramThreshold := SettingInt(e.store, SettingPressureRAMPercent, 95, 50, 99)
	loadThresholdX10 := SettingInt(e.store, SettingPressureLoadPerCPUx10, 45, 5, 150)
	diskThreshold := SettingInt(e.store, SettingPressureMinFreeDiskGB, 1, 0, 500)

	usedMB, totalMB := e.probe.MemoryStatsMB()
	if totalMB > 0 {
		ramPct := float64(usedMB) / float64(totalMB) * 100.0
		if ramPct >= float64(ramThreshold) {
			return fmt.Sprintf("ram_pct=%.1f>=%d", ramPct, ramThreshold)
		}
	}
	perCPU := e.probe.LoadPerCPU()
	if perCPU >= float64(loadThresholdX10)/10.0 {
		return fmt.Sprintf("load_per_cpu=%.2f>=%.2f", perCPU, float64(loadThresholdX10)/10.0)
	}
	freeGB := int(e.probe.DiskFreeBytes(e.scriptsDir) / (1 << 30))
	if freeGB <= diskThreshold {
		return fmt.Sprintf("free_gb=%d<=%d", freeGB, diskThreshold)
	}
	return ""
}

// Launched reports one queue item turned into a live run.
type Launched struct {
	QueueID int64
	Script  string
	RunID   int64
	PID     int
}

// ProcessQueue drains up to maxLaunches eligible queue items into the
// launcher, honoring the kill switch, startup backpressure and maintenance
// deferrals. Transient launch errors re-queue the item and end the pass;
// other errors alert and drop it.
func (e *Engine) ProcessQueue(ctx context.Context, maxLaunches int) []Launched {
	var launched []Launched
	if e.control.KillSwitch() {
		return launched
	}

	for i := 0; i < maxLaunches; i++ {
		e.mu.Lock()
		idx := e.pickQueueIndexLocked()
		if idx < 0 {
			e.mu.Unlock()
			break
		}
		item := e.queue[idx]
		e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
		e.mu.Unlock()

		if reason := e.backpressureReason(item.ScriptKey); reason != "" && !item.BypassLimits {
			e.requeue(item, 8*time.Second)
			e.serverLog(ServerLogEvent{
				Level:     LevelWarning,
				Event:     "queue_deferred_pressure",
				ActorID:   item.RequesterID,
				ChannelID: item.ChannelID,
				Details:   fmt.Sprintf("queue_id=%d script=%s reason=%s", item.QueueID, item.ScriptKey, reason),
			})
			continue
		}
		if e.control.Maintenance() && !item.BypassLimits {
			e.requeue(item, 10*time.Second)
			continue
		}

		runID, pid, err := e.launchScript(ctx, item)
		if err != nil {
			var active *ErrAlreadyActive
			var limit *ErrParallelLimit
			if errors.As(err, &active) || errors.As(err, &limit) {
				e.requeue(item, time.Second)
				break
			}
			e.serverLog(ServerLogEvent{
				Level:     LevelError,
				Event:     "queue_launch_failed",
				ActorID:   item.RequesterID,
				ChannelID: item.ChannelID,
				Details:   fmt.Sprintf("queue_id=%d script=%s err=%v", item.QueueID, item.ScriptKey, err),
			})
			e.notifier.Critical(fmt.Sprintf("Echec lancement depuis queue\nqueue_id=%d script=%s\nerr=%v", item.QueueID, item.ScriptKey, err))
			continue
		}
		launched = append(launched, Launched{QueueID: item.QueueID, Script: item.ScriptKey, RunID: runID, PID: pid})
	}

	if len(launched) > 0 {
		e.changed()
		e.ApplyPresence()
	}
	return launched
}
