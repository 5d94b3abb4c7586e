package luffybot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	killSwitchFileName  = "kill.switch"
	maintenanceFileName = "maintenance.mode"
)

// ControlPlane derives the process-wide flags from settings and from the
// control-file mirror. Flags are computed on every read so that peer
// processes creating or deleting the files are observed immediately.
type ControlPlane struct {
	store      Store
	controlDir string
}

func NewControlPlane(store Store, controlDir string) *ControlPlane {
	return &ControlPlane{store: store, controlDir: controlDir}
}

func (c *ControlPlane) killSwitchPath() string {
	return filepath.Join(c.controlDir, killSwitchFileName)
}

func (c *ControlPlane) maintenancePath() string {
	return filepath.Join(c.controlDir, maintenanceFileName)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// KillSwitch reports whether launching is banned and running scripts must be
// stopped.
func (c *ControlPlane) KillSwitch() bool {
	return SettingBool(c.store, SettingKillSwitchMode, false) || fileExists(c.killSwitchPath())
}

// Maintenance reports whether public launches are suspended.
func (c *ControlPlane) Maintenance() bool {
	return SettingBool(c.store, SettingMaintenanceMode, false) || fileExists(c.maintenancePath())
}

// DryRun reports whether children run with the dry-run overlay. The daemon's
// own MUFFYBOT_DRY_RUN env var forces it on.
func (c *ControlPlane) DryRun() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MUFFYBOT_DRY_RUN"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return SettingBool(c.store, SettingDryRunMode, false)
}

// PublicStartEnabled reports whether public principals may request starts.
func (c *ControlPlane) PublicStartEnabled() bool {
	return SettingBool(c.store, SettingPublicStartEnabled, true)
}

// PublicChannelAllowed checks channelID against the whitelist setting.
// An empty whitelist allows any channel; channel 0 is never allowed.
func (c *ControlPlane) PublicChannelAllowed(channelID int64) bool {
	if channelID == 0 {
		return false
	}
	whitelist := ParseIntCSV(c.store.GetSetting(SettingPublicChannelWhitelist, ""))
	if len(whitelist) == 0 {
		return true
	}
	for _, id := range whitelist {
		if id == channelID {
			return true
		}
	}
	return false
}

// SetKillSwitch persists the flag and materializes or removes the mirror file.
func (c *ControlPlane) SetKillSwitch(ctx context.Context, on bool, reason string) error {
	val := "0"
	if on {
		val = "1"
	}
	if err := c.store.SetSetting(ctx, SettingKillSwitchMode, val); err != nil {
		return err
	}
	return c.syncOne(on, c.killSwitchPath(), reason)
}

// SetMaintenance persists the flag and materializes or removes the mirror file.
func (c *ControlPlane) SetMaintenance(ctx context.Context, on bool, reason string) error {
	val := "0"
	if on {
		val = "1"
	}
	if err := c.store.SetSetting(ctx, SettingMaintenanceMode, val); err != nil {
		return err
	}
	return c.syncOne(on, c.maintenancePath(), reason)
}

// SyncControlFiles reconciles both mirror files with the current flag state.
// Called at startup so files left by a previous life match the settings.
func (c *ControlPlane) SyncControlFiles() error {
	if err := c.syncOne(c.KillSwitch(), c.killSwitchPath(), "enabled_from_luffybot"); err != nil {
		return err
	}
	return c.syncOne(c.Maintenance(), c.maintenancePath(), "enabled_from_luffybot")
}

func (c *ControlPlane) syncOne(on bool, path, reason string) error {
	if !on {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove control file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("control dir: %w", err)
	}
	body := fmt.Sprintf("reason=%s\nts=%s\n", truncate(reason, 240), UTCNowISO())
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}
	return nil
}
