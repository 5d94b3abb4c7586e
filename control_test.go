package luffybot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestKillSwitchSettingAndFile(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	dir := t.TempDir()
	c := NewControlPlane(store, dir)

	if c.KillSwitch() {
		t.Fatal("kill switch should be off by default")
	}

	if err := c.SetKillSwitch(ctx, true, "incident en cours"); err != nil {
		t.Fatal(err)
	}
	if !c.KillSwitch() {
		t.Fatal("kill switch not reported on")
	}
	body, err := os.ReadFile(filepath.Join(dir, "kill.switch"))
	if err != nil {
		t.Fatalf("control file not materialized: %v", err)
	}
	if !strings.HasPrefix(string(body), "reason=incident en cours\nts=") {
		t.Fatalf("control file body = %q", body)
	}

	if err := c.SetKillSwitch(ctx, false, ""); err != nil {
		t.Fatal(err)
	}
	if c.KillSwitch() {
		t.Fatal("kill switch still on after clearing")
	}
	if _, err := os.Stat(filepath.Join(dir, "kill.switch")); !os.IsNotExist(err) {
		t.Fatal("control file not removed on clear")
	}
}

func TestControlFileAloneActivatesFlag(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	c := NewControlPlane(store, dir)

	// A peer process dropping the file flips the flag without any setting.
	if err := os.WriteFile(filepath.Join(dir, "maintenance.mode"), []byte("reason=manual\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !c.Maintenance() {
		t.Fatal("maintenance file not observed")
	}

	os.Remove(filepath.Join(dir, "maintenance.mode"))
	if c.Maintenance() {
		t.Fatal("maintenance still on after file removal")
	}
}

func TestSyncControlFilesReconciles(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	dir := t.TempDir()
	c := NewControlPlane(store, dir)

	// Setting on, file absent: sync must materialize the file.
	store.SetSetting(ctx, SettingMaintenanceMode, "1")
	if err := c.SyncControlFiles(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "maintenance.mode")); err != nil {
		t.Fatal("maintenance file not created by sync")
	}

	// Setting off again: sync removes it.
	store.SetSetting(ctx, SettingMaintenanceMode, "0")
	if err := c.SyncControlFiles(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "maintenance.mode")); !os.IsNotExist(err) {
		t.Fatal("maintenance file not removed by sync")
	}
}

func TestDryRunEnvOverride(t *testing.T) {
	store := newMemStore()
	c := NewControlPlane(store, t.TempDir())

	if c.DryRun() {
		t.Fatal("dry run should default off")
	}
	t.Setenv("MUFFYBOT_DRY_RUN", "1")
	if !c.DryRun() {
		t.Fatal("env var must force dry run on")
	}
}

func TestPublicChannelWhitelist(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewControlPlane(store, t.TempDir())

	if c.PublicChannelAllowed(0) {
		t.Fatal("channel 0 must never be allowed")
	}
	if !c.PublicChannelAllowed(5) {
		t.Fatal("empty whitelist must allow any non-zero channel")
	}

	store.SetSetting(ctx, SettingPublicChannelWhitelist, "10; 20")
	if c.PublicChannelAllowed(5) {
		t.Fatal("channel outside whitelist allowed")
	}
	if !c.PublicChannelAllowed(20) {
		t.Fatal("whitelisted channel rejected")
	}
}
