package luffybot

import (
	"context"
	"testing"
)

func TestSettingBool(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	for raw, want := range map[string]bool{
		"1": true, "true": true, "YES": true, " on ": true,
		"0": false, "off": false, "garbage": false, "": false,
	} {
		store.SetSetting(ctx, "flag", raw)
		if got := SettingBool(store, "flag", false); got != want {
			t.Errorf("SettingBool(%q) = %v, want %v", raw, got, want)
		}
	}
	if !SettingBool(store, "missing_key_with_true_default", true) {
		t.Error("default true not honored for missing key")
	}
}

func TestSettingIntClamping(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	store.SetSetting(ctx, SettingMaxParallelRuns, "999")
	if got := SettingInt(store, SettingMaxParallelRuns, 4, 1, 20); got != 20 {
		t.Fatalf("clamp high = %d, want 20", got)
	}
	store.SetSetting(ctx, SettingMaxParallelRuns, "-7")
	if got := SettingInt(store, SettingMaxParallelRuns, 4, 1, 20); got != 1 {
		t.Fatalf("clamp low = %d, want 1", got)
	}
	store.SetSetting(ctx, SettingMaxParallelRuns, "not a number")
	if got := SettingInt(store, SettingMaxParallelRuns, 4, 1, 20); got != 4 {
		t.Fatalf("malformed fallback = %d, want 4", got)
	}
}

func TestSettingInt64(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	if got := SettingInt64(store, SettingDigestChannelID); got != 0 {
		t.Fatalf("unset id = %d, want 0", got)
	}
	store.SetSetting(ctx, SettingDigestChannelID, "123456789012345678")
	if got := SettingInt64(store, SettingDigestChannelID); got != 123456789012345678 {
		t.Fatalf("id = %d", got)
	}
	store.SetSetting(ctx, SettingDigestChannelID, "oops")
	if got := SettingInt64(store, SettingDigestChannelID); got != 0 {
		t.Fatalf("malformed id = %d, want 0", got)
	}
}

func TestPublicPanelRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	if loc := PublicPanel(store); loc.ChannelID != 0 || loc.MessageID != 0 {
		t.Fatalf("unset panel = %+v", loc)
	}
	if err := SetPublicPanel(ctx, store, PanelLocation{ChannelID: 11, MessageID: 22}); err != nil {
		t.Fatal(err)
	}
	loc := PublicPanel(store)
	if loc.ChannelID != 11 || loc.MessageID != 22 {
		t.Fatalf("panel = %+v", loc)
	}
	if err := ClearPublicPanel(ctx, store); err != nil {
		t.Fatal(err)
	}
	if loc := PublicPanel(store); loc.ChannelID != 0 || loc.MessageID != 0 {
		t.Fatalf("panel after clear = %+v", loc)
	}
}

func TestDefaultSettingsCoverEveryKnownKey(t *testing.T) {
	keys := []string{
		SettingMaintenanceMode, SettingPublicStartEnabled, SettingDryRunMode,
		SettingKillSwitchMode, SettingMaxParallelRuns, SettingPublicCooldownSeconds,
		SettingMaxAutoRetries, SettingRetryBackoffSeconds,
		SettingMaxSystemRAMPercent, SettingMaxProcessRAMMB, SettingMaxLoadPerCPUx10,
		SettingMinFreeDiskGB, SettingPressureRAMPercent, SettingPressureLoadPerCPUx10,
		SettingPressureMinFreeDiskGB, SettingLogRetentionDays,
		SettingPublicChannelWhitelist, SettingDigestChannelID, SettingCriticalMentionUserID,
		SettingPresenceState, SettingPresenceMode, SettingPresenceText,
		SettingLastDailyDigestDate, SettingLastWeeklyDigestKey, SettingLastMonthlyDigestKey,
		SettingLastDailyBotLogsDate, SettingLastDailyConfigBackupDate,
		SettingPublicPanelChannelID, SettingPublicPanelMessageID,
	}
	for _, key := range keys {
		if _, ok := DefaultSettings[key]; !ok {
			t.Errorf("key %s missing from DefaultSettings", key)
		}
	}
	if len(DefaultSettings) != len(keys) {
		t.Errorf("DefaultSettings has %d entries, expected %d", len(DefaultSettings), len(keys))
	}
}
