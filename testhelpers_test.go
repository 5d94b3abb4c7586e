package luffybot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store for engine tests. It honors the contract
// points the engine depends on: monotonically increasing run ids, the
// running->terminal transition guard and the settings cache semantics.
type memStore struct {
	mu       sync.Mutex
	settings map[string]string
	runs     map[int64]*RunRecord
	nextID   int64
	audits   []AuditEvent
	events   []ServerLogEvent

	failFinalize bool
	pingErr      error
}

func newMemStore() *memStore {
	s := &memStore{
		settings: make(map[string]string),
		runs:     make(map[int64]*RunRecord),
		nextID:   1,
	}
	for k, v := range DefaultSettings {
		s.settings[k] = v
	}
	return s
}

func (s *memStore) Init(context.Context) error { return nil }

func (s *memStore) GetSetting(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.settings[key]; ok {
		return v
	}
	return def
}

func (s *memStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memStore) InsertRun(_ context.Context, in RunInsert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	cmd, _ := json.Marshal(in.Command)
	s.runs[id] = &RunRecord{
		ID:            id,
		ScriptKey:     in.ScriptKey,
		RequesterID:   in.RequesterID,
		RequesterTag:  in.RequesterTag,
		PublicRequest: in.PublicRequest,
		CommandJSON:   string(cmd),
		Status:        StatusRunning,
		StartedAt:     in.StartedAt,
		LogPath:       in.LogPath,
	}
	return id, nil
}

func (s *memStore) FinalizeRun(_ context.Context, runID int64, fin RunFinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize {
		return fmt.Errorf("finalize run %d: injected failure", runID)
	}
	r, ok := s.runs[runID]
	if !ok || r.Status != StatusRunning {
		return fmt.Errorf("finalize run %d: no row in running state", runID)
	}
	r.Status = fin.Status
	r.ReturnCode = fin.ReturnCode
	r.Note = fin.Note
	ended := fin.EndedAt
	r.EndedAt = &ended
	dur := fin.DurationSeconds
	r.DurationSeconds = &dur
	return nil
}

func (s *memStore) sortedRuns() []RunRecord {
	out := make([]RunRecord, 0, len(s.runs))
	for id := s.nextID - 1; id >= 1; id-- {
		if r, ok := s.runs[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

func (s *memStore) LastRuns(_ context.Context, scriptKey string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = clampInt(limit, 1, 200)
	var out []RunRecord
	for _, r := range s.sortedRuns() {
		if scriptKey != "" && r.ScriptKey != scriptKey {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) FilteredRuns(_ context.Context, f RunFilter) ([]RunRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := clampInt(f.Limit, 1, 50)
	var matched []RunRecord
	for _, r := range s.sortedRuns() {
		if f.ScriptKey != "" && r.ScriptKey != f.ScriptKey {
			continue
		}
		if f.Status != "" && string(r.Status) != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *memStore) LastFailedRun(_ context.Context) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.sortedRuns() {
		switch r.Status {
		case StatusFailed, StatusTimedOut, StatusKilledResource, StatusKilled:
			rr := r
			return &rr, nil
		}
	}
	return nil, nil
}

func (s *memStore) RunsSince(_ context.Context, startISO string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	for _, r := range s.sortedRuns() {
		if r.StartedAt < startISO {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) SummarizeRuns(_ context.Context, startISO, endISO string) (RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum RunSummary
	byStatus := map[string]int{}
	byScript := map[string]int{}
	byScriptFailed := map[string]int{}
	var durTotal float64
	var durN int
	for _, r := range s.sortedRuns() {
		if r.StartedAt < startISO || r.StartedAt >= endISO {
			continue
		}
		sum.Total++
		byStatus[string(r.Status)]++
		byScript[r.ScriptKey]++
		if r.Status == StatusSuccess {
			sum.SuccessCount++
		} else {
			sum.FailureCount++
			byScriptFailed[r.ScriptKey]++
		}
		if r.DurationSeconds != nil {
			durTotal += *r.DurationSeconds
			durN++
		}
	}
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.SuccessCount) / float64(sum.Total) * 100.0
	}
	if durN > 0 {
		sum.AvgDuration = durTotal / float64(durN)
	}
	for k, c := range byStatus {
		sum.ByStatus = append(sum.ByStatus, KeyCount{Key: k, Count: c})
	}
	for k, c := range byScript {
		sum.ByScript = append(sum.ByScript, KeyCount{Key: k, Count: c})
	}
	for k, c := range byScriptFailed {
		sum.ByScriptFailed = append(sum.ByScriptFailed, KeyCount{Key: k, Count: c})
	}
	return sum, nil
}

func (s *memStore) AppendAudit(_ context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ev)
	return nil
}

func (s *memStore) AppendServerLog(_ context.Context, ev ServerLogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) BackupSnapshot(context.Context) (string, error) { return "", nil }
func (s *memStore) LatestBackup() (string, error)                  { return "", nil }
func (s *memStore) RestoreLatest(context.Context) (string, error)  { return "", ErrNoBackup }

func (s *memStore) Ping(context.Context) error { return s.pingErr }
func (s *memStore) Close() error               { return nil }

func (s *memStore) run(id int64) RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return *r
	}
	return RunRecord{}
}

func (s *memStore) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Event)
	}
	return out
}

// fakeProbe returns fixed readings, adjustable per test.
type fakeProbe struct {
	mu        sync.Mutex
	rssMB     int
	usedMB    int
	totalMB   int
	loadPer   float64
	diskFree  uint64
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{totalMB: 16000, usedMB: 4000, diskFree: 100 << 30}
}

func (p *fakeProbe) set(fn func(*fakeProbe)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProbe) ProcessRSSMB(int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssMB
}

func (p *fakeProbe) MemoryStatsMB() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedMB, p.totalMB
}

func (p *fakeProbe) LoadPerCPU() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadPer
}

func (p *fakeProbe) DiskFreeBytes(string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.diskFree
}

// recordingNotifier captures every notification for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	messages  []string
	levels    []string
	criticals []string
	presence  []string
}

func (n *recordingNotifier) Notify(level, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.levels = append(n.levels, level)
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) Critical(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.criticals = append(n.criticals, text)
	n.levels = append(n.levels, LevelCritical)
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) PresenceUpdate(status, activity string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.presence = append(n.presence, status+"|"+activity)
}

func (n *recordingNotifier) hasMessageContaining(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) criticalCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.criticals)
}

// testCatalog is a small catalog backed by /bin/sh so supervisor tests run
// real children.
func testCatalog() *Catalog {
	cat, err := NewCatalog([]ScriptDef{
		{Key: "ok", Command: []string{"/bin/sh", "-c", "exit 0"}, TimeoutSeconds: 30, Public: true, Description: "exits zero"},
		{Key: "fail", Command: []string{"/bin/sh", "-c", "exit 3"}, TimeoutSeconds: 30, Public: true, Description: "exits three"},
		{Key: "sleepy", Command: []string{"/bin/sh", "-c", "sleep 30"}, TimeoutSeconds: 1, Public: true, Description: "outlives its timeout"},
		{Key: "slow", Command: []string{"/bin/sh", "-c", "sleep 30"}, TimeoutSeconds: 300, Public: true, Description: "long sleeper"},
		{Key: "private", Command: []string{"/bin/sh", "-c", "exit 0"}, TimeoutSeconds: 30, Description: "operator only"},
		{Key: "vital", Command: []string{"/bin/sh", "-c", "sleep 30"}, TimeoutSeconds: 300, Critical: true, Description: "critical sleeper"},
	})
	if err != nil {
		panic(err)
	}
	return cat
}

type testEngine struct {
	engine   *Engine
	store    *memStore
	probe    *fakeProbe
	notifier *recordingNotifier
}

func newTestEngine(t interface {
	TempDir() string
	Helper()
}) *testEngine {
	t.Helper()
	store := newMemStore()
	probe := newFakeProbe()
	notifier := &recordingNotifier{}
	dir := t.TempDir()
	control := NewControlPlane(store, dir)
	engine := NewEngine(store, testCatalog(), control, probe, dir, dir,
		WithNotifier(notifier))
	return &testEngine{engine: engine, store: store, probe: probe, notifier: notifier}
}

// waitUntil polls cond up to timeout.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
