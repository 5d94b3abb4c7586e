package luffybot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	housekeepingTick     = time.Second
	presenceInterval     = 8 * time.Second
	digestInterval       = 60 * time.Second
	cleanupInterval      = time.Hour
)

// Housekeeping runs the slow periodic duties: kill-switch enforcement,
// presence refresh, digests, daily ops and retention purge.
type Housekeeping struct {
	engine    *Engine
	backupDir string
}

func NewHousekeeping(engine *Engine, backupDir string) *Housekeeping {
	return &Housekeeping{engine: engine, backupDir: backupDir}
}

// Run loops until ctx is cancelled; each tick is panic-safe.
func (h *Housekeeping) Run(ctx context.Context) {
	var lastPresence, lastDigest, lastCleanup time.Time
	ticker := time.NewTicker(housekeepingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()

		h.tick(ctx, now, &lastPresence, &lastDigest, &lastCleanup)
	}
}

func (h *Housekeeping) tick(ctx context.Context, now time.Time, lastPresence, lastDigest, lastCleanup *time.Time) {
	defer func() {
		if r := recover(); r != nil {
			h.engine.log.Error("housekeeping tick panic", "panic", r)
			h.engine.notifier.Critical(fmt.Sprintf("housekeeping_loop error: %v", r))
		}
	}()

	e := h.engine
	if e.control.KillSwitch() && e.RunningCount() > 0 {
		e.StopAll("Kill switch actif (housekeeping)")
	}

	if now.Sub(*lastPresence) >= presenceInterval {
		e.ApplyPresence()
		*lastPresence = now
	}

	if now.Sub(*lastDigest) >= digestInterval {
		e.MaybeSendPeriodicDigests(ctx)
		e.maybeRunDailyOps(ctx)
		*lastDigest = now
	}

	if now.Sub(*lastCleanup) >= cleanupInterval {
		retention := SettingInt(e.store, SettingLogRetentionDays, 14, 1, 365)
		removedLogs := PurgeOldFiles(e.runLogDir, retention)
		removedBackups := PurgeOldFiles(h.backupDir, retention*4)
		e.serverLog(ServerLogEvent{
			Level:   LevelInfo,
			Event:   "housekeeping_cleanup",
			Details: fmt.Sprintf("removed_logs=%d removed_backups=%d", removedLogs, removedBackups),
		})
		*lastCleanup = now
	}
}

// maybeRunDailyOps launches the daily log-archive and config-backup scripts
// once per UTC day, bypassing limits at top priority.
func (e *Engine) maybeRunDailyOps(ctx context.Context) {
	today := time.Now().UTC().Format("2006-01-02")

	dailyOps := []struct {
		script     string
		settingKey string
		label      string
	}{
		{script: "daily-bot-logs", settingKey: SettingLastDailyBotLogsDate, label: "Daily bot logs"},
		{script: "config-backup", settingKey: SettingLastDailyConfigBackupDate, label: "Backup config quotidien"},
	}
	for _, op := range dailyOps {
		if e.store.GetSetting(op.settingKey, "") == today {
			continue
		}
		_, err := e.RequestStart(ctx, StartRequest{
			ScriptKey:    op.script,
			RequesterTag: "system",
			ChannelID:    SettingInt64(e.store, SettingDigestChannelID),
			BypassLimits: true,
			Priority:     1,
		})
		if err != nil {
			e.notifier.Notify(LevelWarning, fmt.Sprintf("%s non lance: %v", op.label, err))
			continue
		}
		if err := e.store.SetSetting(ctx, op.settingKey, today); err != nil {
			e.log.Error("daily ops marker write failed", "key", op.settingKey, "error", err)
		}
	}
}

// PurgeOldFiles removes regular files in dir older than retentionDays and
// returns how many were deleted. Zero retention disables purging.
func PurgeOldFiles(dir string, retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(dir, entry.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
