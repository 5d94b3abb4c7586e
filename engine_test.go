package luffybot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRequestStartRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(*testEngine)
		req     StartRequest
		wantErr error
	}{
		{
			name: "kill switch bans everyone",
			prepare: func(te *testEngine) {
				te.store.SetSetting(ctx, SettingKillSwitchMode, "1")
			},
			req:     StartRequest{ScriptKey: "ok", RequesterID: 1, BypassLimits: true},
			wantErr: ErrKillSwitchActive,
		},
		{
			name: "maintenance blocks public",
			prepare: func(te *testEngine) {
				te.store.SetSetting(ctx, SettingMaintenanceMode, "1")
			},
			req:     StartRequest{ScriptKey: "ok", RequesterID: 1, ChannelID: 5, PublicRequest: true},
			wantErr: ErrMaintenanceActive,
		},
		{
			name:    "unknown script",
			req:     StartRequest{ScriptKey: "nope", RequesterID: 1},
			wantErr: &ErrUnknownScript{},
		},
		{
			name:    "non-public script hidden from public",
			req:     StartRequest{ScriptKey: "private", RequesterID: 1, ChannelID: 5, PublicRequest: true},
			wantErr: &ErrUnknownScript{},
		},
		{
			name: "public starts disabled",
			prepare: func(te *testEngine) {
				te.store.SetSetting(ctx, SettingPublicStartEnabled, "0")
			},
			req:     StartRequest{ScriptKey: "ok", RequesterID: 1, ChannelID: 5, PublicRequest: true},
			wantErr: ErrPublicDisabled,
		},
		{
			name:    "channel zero never allowed",
			req:     StartRequest{ScriptKey: "ok", RequesterID: 1, ChannelID: 0, PublicRequest: true},
			wantErr: ErrChannelNotAllowed,
		},
		{
			name: "channel not in whitelist",
			prepare: func(te *testEngine) {
				te.store.SetSetting(ctx, SettingPublicChannelWhitelist, "10,20")
			},
			req:     StartRequest{ScriptKey: "ok", RequesterID: 1, ChannelID: 5, PublicRequest: true},
			wantErr: ErrChannelNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t)
			if tt.prepare != nil {
				tt.prepare(te)
			}
			_, err := te.engine.RequestStart(ctx, tt.req)
			if err == nil {
				t.Fatal("expected rejection, got nil")
			}
			var unknownWant *ErrUnknownScript
			if errors.As(tt.wantErr, &unknownWant) {
				var unknown *ErrUnknownScript
				if !errors.As(err, &unknown) {
					t.Fatalf("want ErrUnknownScript, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
			if te.engine.RunningCount() != 0 || te.engine.QueueDepth() != 0 {
				t.Fatal("rejection must leave no state behind")
			}
		})
	}
}

func TestRequestStartCooldown(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	res, err := te.engine.RequestStart(ctx, StartRequest{
		ScriptKey: "ok", RequesterID: 42, ChannelID: 5, PublicRequest: true,
	})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if res.State != "started" {
		t.Fatalf("want started, got %s", res.State)
	}
	waitUntil(3*time.Second, func() bool { return te.engine.RunningCount() == 0 })

	_, err = te.engine.RequestStart(ctx, StartRequest{
		ScriptKey: "ok", RequesterID: 42, ChannelID: 5, PublicRequest: true,
	})
	var cd *ErrCooldown
	if !errors.As(err, &cd) {
		t.Fatalf("want ErrCooldown, got %v", err)
	}
	if cd.Remain <= 0 {
		t.Fatalf("cooldown remainder must be positive, got %v", cd.Remain)
	}

	// Another requester is not affected.
	if _, err := te.engine.RequestStart(ctx, StartRequest{
		ScriptKey: "fail", RequesterID: 43, ChannelID: 5, PublicRequest: true,
	}); err != nil {
		t.Fatalf("other user blocked: %v", err)
	}
}

func TestEnqueueUniqueness(t *testing.T) {
	te := newTestEngine(t)

	if _, _, err := te.engine.Enqueue(StartRequest{ScriptKey: "slow", RequesterID: 1, NotBeforeDelay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, _, err := te.engine.Enqueue(StartRequest{ScriptKey: "slow", RequesterID: 2, NotBeforeDelay: time.Hour})
	var active *ErrAlreadyActive
	if !errors.As(err, &active) {
		t.Fatalf("want ErrAlreadyActive, got %v", err)
	}
	if active.Key != "slow" {
		t.Fatalf("want key slow, got %s", active.Key)
	}
	if te.engine.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", te.engine.QueueDepth())
	}
}

func TestQueueOrdering(t *testing.T) {
	te := newTestEngine(t)
	e := te.engine

	// NotBeforeDelay keeps the items parked so ordering is observable.
	if _, _, err := e.Enqueue(StartRequest{ScriptKey: "slow", Priority: 5, NotBeforeDelay: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Enqueue(StartRequest{ScriptKey: "ok", Priority: 1, NotBeforeDelay: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Enqueue(StartRequest{ScriptKey: "fail", Priority: 5, NotBeforeDelay: time.Hour}); err != nil {
		t.Fatal(err)
	}

	lines := e.QueueLines(10)
	if len(lines) != 3 {
		t.Fatalf("want 3 lines, got %d", len(lines))
	}
	wantOrder := []string{"`ok`", "`slow`", "`fail`"}
	for i, want := range wantOrder {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d = %q, want it to contain %s", i, lines[i], want)
		}
	}
}

func TestPriorityClampAndPosition(t *testing.T) {
	te := newTestEngine(t)

	_, pos, err := te.engine.Enqueue(StartRequest{ScriptKey: "slow", Priority: 99, NotBeforeDelay: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Fatalf("position = %d, want 1", pos)
	}
	_, pos, err = te.engine.Enqueue(StartRequest{ScriptKey: "ok", Priority: -3, NotBeforeDelay: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	// Priority -3 clamps to 1, beating the clamped 9 above.
	if pos != 1 {
		t.Fatalf("position = %d, want 1", pos)
	}
}

func TestParallelLimitDefers(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	te.store.SetSetting(ctx, SettingMaxParallelRuns, "1")

	res, err := te.engine.RequestStart(ctx, StartRequest{ScriptKey: "slow", RequesterID: 1})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if res.State != "started" {
		t.Fatalf("first state = %s, want started", res.State)
	}

	res, err = te.engine.RequestStart(ctx, StartRequest{ScriptKey: "vital", RequesterID: 1})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.State != "queued" {
		t.Fatalf("second state = %s, want queued", res.State)
	}

	te.engine.Shutdown("test done")
}

func TestBypassLimitsIgnoresCap(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	te.store.SetSetting(ctx, SettingMaxParallelRuns, "1")

	if _, err := te.engine.RequestStart(ctx, StartRequest{ScriptKey: "slow", RequesterID: 1}); err != nil {
		t.Fatal(err)
	}
	res, err := te.engine.RequestStart(ctx, StartRequest{ScriptKey: "vital", RequesterID: 1, BypassLimits: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != "started" {
		t.Fatalf("bypass state = %s, want started", res.State)
	}
	if te.engine.RunningCount() != 2 {
		t.Fatalf("running = %d, want 2", te.engine.RunningCount())
	}

	te.engine.Shutdown("test done")
}

func TestStopScriptUnknownKey(t *testing.T) {
	te := newTestEngine(t)
	if te.engine.StopScript("ghost", "no such run") {
		t.Fatal("StopScript on absent key must return false")
	}
}

func TestStopNonCriticalSparesCritical(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	if _, err := te.engine.RequestStart(ctx, StartRequest{ScriptKey: "slow", RequesterID: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := te.engine.RequestStart(ctx, StartRequest{ScriptKey: "vital", RequesterID: 1}); err != nil {
		t.Fatal(err)
	}

	stopped := te.engine.StopNonCritical("operator panic")
	if stopped != 1 {
		t.Fatalf("stopped = %d, want 1", stopped)
	}
	if !waitUntil(3*time.Second, func() bool { return te.engine.RunningCount() == 1 }) {
		t.Fatal("non-critical child did not stop")
	}
	keys := te.engine.RunningKeys()
	if len(keys) != 1 || keys[0] != "vital" {
		t.Fatalf("running keys = %v, want [vital]", keys)
	}

	te.engine.Shutdown("test done")
}

func TestApplyPresencePlaceholders(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	te.store.SetSetting(ctx, SettingPresenceText, "run:{running} queue:{queue}")

	if _, _, err := te.engine.Enqueue(StartRequest{ScriptKey: "slow", NotBeforeDelay: time.Hour}); err != nil {
		t.Fatal(err)
	}
	te.engine.ApplyPresence()

	te.notifier.mu.Lock()
	defer te.notifier.mu.Unlock()
	if len(te.notifier.presence) == 0 {
		t.Fatal("no presence update recorded")
	}
	got := te.notifier.presence[len(te.notifier.presence)-1]
	if got != "online|run:0 queue:1" {
		t.Fatalf("presence = %q", got)
	}
}

func TestHealthSnapshot(t *testing.T) {
	te := newTestEngine(t)
	te.probe.set(func(p *fakeProbe) {
		p.usedMB = 8000
		p.totalMB = 16000
		p.loadPer = 0.5
		p.diskFree = 10 << 30
	})

	snap := te.engine.Health(context.Background())
	if !snap.StoreOK {
		t.Fatal("store should be healthy")
	}
	if snap.UsedPercent != 50.0 {
		t.Fatalf("used percent = %v, want 50", snap.UsedPercent)
	}
	if snap.FreeDiskGB != 10 {
		t.Fatalf("free disk = %d, want 10", snap.FreeDiskGB)
	}

	te.store.pingErr = errors.New("db gone")
	snap = te.engine.Health(context.Background())
	if snap.StoreOK || snap.StoreError == "" {
		t.Fatal("store failure not reflected")
	}
}

func TestTrackFailureWindow(t *testing.T) {
	te := newTestEngine(t)
	for i := 1; i <= 3; i++ {
		if n := te.engine.trackFailure("ok"); n != i {
			t.Fatalf("failure count = %d, want %d", n, i)
		}
	}
	if n := te.engine.trackFailure("fail"); n != 1 {
		t.Fatalf("per-key isolation broken, count = %d", n)
	}
}

