package luffybot

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MaybeSendPeriodicDigests publishes the daily, weekly and monthly run
// digests whose window rolled over since the last emission. The tracking
// settings make each window emit at most once across restarts.
func (e *Engine) MaybeSendPeriodicDigests(ctx context.Context) {
	now := time.Now().UTC()

	previousDay := now.AddDate(0, 0, -1)
	dailyKey := previousDay.Format("2006-01-02")
	if e.store.GetSetting(SettingLastDailyDigestDate, "") != dailyKey {
		start := truncateToDay(previousDay)
		end := start.AddDate(0, 0, 1)
		e.sendDigest(ctx, "quotidien", start, end, SettingLastDailyDigestDate, dailyKey)
	}

	weekStart := truncateToDay(now.AddDate(0, 0, -mondayBasedWeekday(now)))
	prevWeekStart := weekStart.AddDate(0, 0, -7)
	isoYear, isoWeek := prevWeekStart.ISOWeek()
	weeklyKey := fmt.Sprintf("%d-W%02d", isoYear, isoWeek)
	if e.store.GetSetting(SettingLastWeeklyDigestKey, "") != weeklyKey {
		e.sendDigest(ctx, "hebdomadaire", prevWeekStart, weekStart, SettingLastWeeklyDigestKey, weeklyKey)
	}

	firstOfThisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	firstOfPrevMonth := firstOfThisMonth.AddDate(0, -1, 0)
	monthlyKey := firstOfPrevMonth.Format("2006-01")
	if e.store.GetSetting(SettingLastMonthlyDigestKey, "") != monthlyKey {
		e.sendDigest(ctx, "mensuel", firstOfPrevMonth, firstOfThisMonth, SettingLastMonthlyDigestKey, monthlyKey)
	}
}

func (e *Engine) sendDigest(ctx context.Context, kind string, start, end time.Time, settingKey, windowKey string) {
	msg, err := e.BuildPeriodDigest(ctx, kind, start, end)
	if err != nil {
		e.log.Error("digest build failed", "kind", kind, "error", err)
		return
	}
	e.notifier.Notify(LevelInfo, msg)
	if err := e.store.SetSetting(ctx, settingKey, windowKey); err != nil {
		e.log.Error("digest marker write failed", "key", settingKey, "error", err)
	}
}

// BuildPeriodDigest renders one digest over the half-open [start, end)
// window: totals, live state, anomaly flags and top-N breakdowns.
func (e *Engine) BuildPeriodDigest(ctx context.Context, kind string, start, end time.Time) (string, error) {
	summary, err := e.store.SummarizeRuns(ctx, FormatISO(start), FormatISO(end))
	if err != nil {
		return "", fmt.Errorf("summarize runs: %w", err)
	}

	e.mu.Lock()
	runningN, queueN := len(e.running), len(e.queue)
	e.mu.Unlock()

	var anomalies []string
	if summary.Total >= 10 && summary.SuccessRate < 70.0 {
		anomalies = append(anomalies, "success_rate_low")
	}
	if summary.FailureCount >= 8 {
		anomalies = append(anomalies, "many_failures")
	}
	if queueN >= 15 {
		anomalies = append(anomalies, "queue_high")
	}
	anomalyTxt := "none"
	if len(anomalies) > 0 {
		anomalyTxt = strings.Join(anomalies, ",")
	}

	return fmt.Sprintf(
		"Digest %s\nperiode=%s -> %s\nruns_total=%d success=%d failed=%d success_rate=%.1f%% avg_dur=%s\n"+
			"etat_live=running:%d queue:%d dry_run:%d anomalies:%s\npar_statut=%s\ntop_scripts=%s\ntop_failures=%s",
		kind,
		start.Format("2006-01-02"), end.Add(-time.Second).Format("2006-01-02"),
		summary.Total, summary.SuccessCount, summary.FailureCount, summary.SuccessRate, FormatDuration(summary.AvgDuration),
		runningN, queueN, boolInt(e.control.DryRun()), anomalyTxt,
		keyCountLine(summary.ByStatus), keyCountLine(summary.ByScript), keyCountLine(summary.ByScriptFailed),
	), nil
}

func keyCountLine(counts []KeyCount) string {
	if len(counts) == 0 {
		return "aucun"
	}
	parts := make([]string, 0, len(counts))
	for _, kc := range counts {
		parts = append(parts, fmt.Sprintf("%s:%d", kc.Key, kc.Count))
	}
	return strings.Join(parts, ", ")
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// mondayBasedWeekday maps Monday to 0 ... Sunday to 6.
func mondayBasedWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
