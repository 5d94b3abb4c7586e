package luffybot

import (
	"context"
	"strconv"
	"strings"
)

// Recognized setting keys. Every key is seeded by Store.Init; numeric keys
// are clamped on read by the component that consumes them.
const (
	SettingMaintenanceMode       = "maintenance_mode"
	SettingPublicStartEnabled    = "public_start_enabled"
	SettingDryRunMode            = "dry_run_mode"
	SettingKillSwitchMode        = "kill_switch_mode"
	SettingMaxParallelRuns       = "max_parallel_runs"
	SettingPublicCooldownSeconds = "public_cooldown_seconds"
	SettingMaxAutoRetries        = "max_auto_retries"
	SettingRetryBackoffSeconds   = "retry_backoff_seconds"

	SettingMaxSystemRAMPercent = "max_system_ram_percent"
	SettingMaxProcessRAMMB     = "max_process_ram_mb"
	SettingMaxLoadPerCPUx10    = "max_load_per_cpu_x10"
	SettingMinFreeDiskGB       = "min_free_disk_gb"

	SettingPressureRAMPercent    = "startup_pressure_ram_percent"
	SettingPressureLoadPerCPUx10 = "startup_pressure_load_per_cpu_x10"
	SettingPressureMinFreeDiskGB = "startup_pressure_min_free_disk_gb"

	SettingLogRetentionDays       = "log_retention_days"
	SettingPublicChannelWhitelist = "public_channel_whitelist"
	SettingDigestChannelID        = "digest_channel_id"
	SettingCriticalMentionUserID  = "critical_mention_user_id"

	SettingPresenceState = "presence_state"
	SettingPresenceMode  = "presence_mode"
	SettingPresenceText  = "presence_text"

	SettingLastDailyDigestDate       = "last_daily_digest_date"
	SettingLastWeeklyDigestKey       = "last_weekly_digest_key"
	SettingLastMonthlyDigestKey      = "last_monthly_digest_key"
	SettingLastDailyBotLogsDate      = "last_daily_bot_logs_date"
	SettingLastDailyConfigBackupDate = "last_daily_config_backup_date"

	SettingPublicPanelChannelID = "public_panel_channel_id"
	SettingPublicPanelMessageID = "public_panel_message_id"
)

// DefaultSettings is the seed table applied by Store.Init with
// insert-if-absent semantics.
var DefaultSettings = map[string]string{
	SettingMaintenanceMode:       "0",
	SettingPublicStartEnabled:    "1",
	SettingDryRunMode:            "0",
	SettingKillSwitchMode:        "0",
	SettingMaxParallelRuns:       "4",
	SettingPublicCooldownSeconds: "120",
	SettingMaxAutoRetries:        "1",
	SettingRetryBackoffSeconds:   "45",

	SettingMaxSystemRAMPercent: "92",
	SettingMaxProcessRAMMB:     "1400",
	SettingMaxLoadPerCPUx10:    "30",
	SettingMinFreeDiskGB:       "2",

	SettingPressureRAMPercent:    "95",
	SettingPressureLoadPerCPUx10: "45",
	SettingPressureMinFreeDiskGB: "1",

	SettingLogRetentionDays:       "14",
	SettingPublicChannelWhitelist: "",
	SettingDigestChannelID:        "",
	SettingCriticalMentionUserID:  "",

	SettingPresenceState: "online",
	SettingPresenceMode:  "watching",
	SettingPresenceText:  "Vikidia scripts | run:{running} queue:{queue}",

	SettingLastDailyDigestDate:       "",
	SettingLastWeeklyDigestKey:       "",
	SettingLastMonthlyDigestKey:      "",
	SettingLastDailyBotLogsDate:      "",
	SettingLastDailyConfigBackupDate: "",

	SettingPublicPanelChannelID: "",
	SettingPublicPanelMessageID: "",
}

// SettingBool interprets a setting as a boolean flag.
func SettingBool(s Store, key string, def bool) bool {
	fallback := "0"
	if def {
		fallback = "1"
	}
	raw := strings.ToLower(strings.TrimSpace(s.GetSetting(key, fallback)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SettingInt interprets a setting as an integer clamped to [min, max].
// Malformed values fall back to def before clamping.
func SettingInt(s Store, key string, def, min, max int) int {
	raw := s.GetSetting(key, strconv.Itoa(def))
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		v = def
	}
	return clampInt(v, min, max)
}

// SettingInt64 reads an optional large id setting; 0 when unset or malformed.
func SettingInt64(s Store, key string) int64 {
	raw := strings.TrimSpace(s.GetSetting(key, ""))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// PublicPanel returns the persisted panel location; zero fields mean unset.
func PublicPanel(s Store) PanelLocation {
	return PanelLocation{
		ChannelID: SettingInt64(s, SettingPublicPanelChannelID),
		MessageID: SettingInt64(s, SettingPublicPanelMessageID),
	}
}

// SetPublicPanel persists the panel location; ClearPublicPanel erases it.
func SetPublicPanel(ctx context.Context, s Store, loc PanelLocation) error {
	if err := s.SetSetting(ctx, SettingPublicPanelChannelID, strconv.FormatInt(loc.ChannelID, 10)); err != nil {
		return err
	}
	return s.SetSetting(ctx, SettingPublicPanelMessageID, strconv.FormatInt(loc.MessageID, 10))
}

// ClearPublicPanel erases the persisted panel location.
func ClearPublicPanel(ctx context.Context, s Store) error {
	if err := s.SetSetting(ctx, SettingPublicPanelChannelID, ""); err != nil {
		return err
	}
	return s.SetSetting(ctx, SettingPublicPanelMessageID, "")
}
