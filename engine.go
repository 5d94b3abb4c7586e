package luffybot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Engine owns the three mutable collections of the supervisor (running
// scripts, run queue, stop-requested set) behind one mutex, and exposes
// admission, launching, supervision and stop as methods. Long-lived loops
// (Scheduler, Housekeeping) and one watcher goroutine per child all operate
// through the same Engine value.
type Engine struct {
	store    Store
	catalog  *Catalog
	control  *ControlPlane
	probe    Probe
	notifier Notifier
	metrics  Metrics
	log      *slog.Logger
	onChange func()

	scriptsDir string
	runLogDir  string

	mu              sync.Mutex
	running         map[string]*RunningScript
	queue           []*QueuedScript
	stopRequested   map[int64]struct{}
	queueSeq        int64
	failureWindow   map[string][]time.Time
	lastPublicStart map[string]time.Time

	wake chan struct{}
	wg   sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger. Default discards.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithNotifier sets the outbound chat port. Default discards.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMetrics sets the instrumentation sink. Default discards.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithOnChange registers a hook invoked after every observable state change
// (enqueue, launch, finalization). UI layers subscribe here to re-render;
// the hook must be fast and must not call back into the Engine while
// holding its own locks.
func WithOnChange(fn func()) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// NewEngine builds an engine over its collaborators. scriptsDir is the
// working directory of every child; runLogDir receives the per-run logs.
func NewEngine(store Store, catalog *Catalog, control *ControlPlane, probe Probe, scriptsDir, runLogDir string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           store,
		catalog:         catalog,
		control:         control,
		probe:           probe,
		notifier:        NopNotifier{},
		metrics:         nopMetrics{},
		log:             nopLogger,
		scriptsDir:      scriptsDir,
		runLogDir:       runLogDir,
		running:         make(map[string]*RunningScript),
		stopRequested:   make(map[int64]struct{}),
		failureWindow:   make(map[string][]time.Time),
		lastPublicStart: make(map[string]time.Time),
		wake:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the immutable script table.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Control returns the control plane.
func (e *Engine) Control() *ControlPlane { return e.control }

// Store returns the durable store.
func (e *Engine) Store() Store { return e.store }

// Wake returns the channel the scheduler selects on for on-demand ticks.
func (e *Engine) Wake() <-chan struct{} { return e.wake }

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

// serverLog appends one structured event; store failures are logged and
// never propagate.
func (e *Engine) serverLog(ev ServerLogEvent) {
	if err := e.store.AppendServerLog(context.Background(), ev); err != nil {
		e.log.Error("server log append failed", "event", ev.Event, "error", err)
	}
}

// RunningCount returns the live child count.
func (e *Engine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// QueueDepth returns the pending queue length.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// RunningKeys returns the keys of live children, sorted.
func (e *Engine) RunningKeys() []string {
	e.mu.Lock()
	keys := make([]string, 0, len(e.running))
	for k := range e.running {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// RunningSnapshot returns copies of the live entries ordered by run id.
func (e *Engine) RunningSnapshot() []RunningScript {
	e.mu.Lock()
	out := make([]RunningScript, 0, len(e.running))
	for _, rs := range e.running {
		out = append(out, *rs)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// StopScript requests termination of the running instance of key: records
// stop intent, terminates gracefully, escalates to a forced kill after 8
// seconds if the child is still alive. Returns false when nothing matched.
func (e *Engine) StopScript(key, note string) bool {
	e.mu.Lock()
	rs, ok := e.running[key]
	if !ok || rs.cmd == nil {
		// cmd is nil only inside the launch reservation window, before
		// the child exists; there is nothing to stop yet.
		e.mu.Unlock()
		return false
	}
	e.stopRequested[rs.RunID] = struct{}{}
	e.mu.Unlock()

	rs.terminate()
	go func() {
		select {
		case <-rs.exited:
		case <-time.After(8 * time.Second):
			rs.kill()
		}
	}()

	e.serverLog(ServerLogEvent{
		Level:   LevelWarning,
		Event:   "run_stop_requested",
		Details: fmt.Sprintf("script=%s note=%s", key, note),
	})
	return true
}

// StopAll stop-requests every running script and returns how many matched.
func (e *Engine) StopAll(note string) int {
	keys := e.RunningKeys()
	stopped := 0
	for _, key := range keys {
		if e.StopScript(key, note) {
			stopped++
		}
	}
	return stopped
}

// StopNonCritical stops every running script whose catalog entry is not
// critical. Used by the operator panic action.
func (e *Engine) StopNonCritical(note string) int {
	stopped := 0
	for _, key := range e.RunningKeys() {
		if def, ok := e.catalog.Get(key); ok && def.Critical {
			continue
		}
		if e.StopScript(key, note) {
			stopped++
		}
	}
	return stopped
}

func (e *Engine) isStopRequested(runID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.stopRequested[runID]
	return ok
}

// trackFailure records a non-success for key and returns how many occurred
// in the sliding 15-minute window.
func (e *Engine) trackFailure(key string) int {
	now := time.Now()
	cutoff := now.Add(-15 * time.Minute)
	e.mu.Lock()
	defer e.mu.Unlock()
	window := append(e.failureWindow[key], now)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failureWindow[key] = kept
	return len(kept)
}

// ApplyPresence pushes the presence projection derived from settings,
// filling the {running} and {queue} placeholders.
func (e *Engine) ApplyPresence() {
	state := e.store.GetSetting(SettingPresenceState, "online")
	template := e.store.GetSetting(SettingPresenceText, "Vikidia scripts | run:{running} queue:{queue}")
	e.mu.Lock()
	runningN, queueN := len(e.running), len(e.queue)
	e.mu.Unlock()
	text := strings.ReplaceAll(template, "{running}", fmt.Sprintf("%d", runningN))
	text = strings.ReplaceAll(text, "{queue}", fmt.Sprintf("%d", queueN))
	e.notifier.PresenceUpdate(state, truncate(text, 128))
	e.metrics.QueueDepth(queueN)
}

// Health captures a point-in-time view of the store, the host and the engine.
func (e *Engine) Health(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{StoreOK: true}
	if err := e.store.Ping(ctx); err != nil {
		snap.StoreOK = false
		snap.StoreError = truncate(err.Error(), 120)
	}
	snap.UsedMB, snap.TotalMB = e.probe.MemoryStatsMB()
	if snap.TotalMB > 0 {
		snap.UsedPercent = float64(snap.UsedMB) / float64(snap.TotalMB) * 100.0
	}
	snap.FreeDiskGB = int(e.probe.DiskFreeBytes(e.scriptsDir) / (1 << 30))
	snap.LoadPerCPU = e.probe.LoadPerCPU()
	e.mu.Lock()
	snap.QueueDepth = len(e.queue)
	snap.RunningCount = len(e.running)
	e.mu.Unlock()
	return snap
}

// Shutdown stops all running children and waits for every watcher to
// finalize its ledger row. The store stays open; the caller closes it.
func (e *Engine) Shutdown(note string) {
	e.StopAll(note)
	e.wg.Wait()
}
