package luffybot

import (
	"os"
	"os/exec"
	"time"
)

// RunStatus is the lifecycle status of a ledger row. A row is created as
// StatusRunning and flips exactly once to one of the terminal statuses.
type RunStatus string

const (
	StatusRunning        RunStatus = "running"
	StatusSuccess        RunStatus = "success"
	StatusFailed         RunStatus = "failed"
	StatusKilled         RunStatus = "killed"
	StatusKilledResource RunStatus = "killed_resource"
	StatusTimedOut       RunStatus = "timed_out"
)

// Terminal reports whether s is a terminal status.
func (s RunStatus) Terminal() bool { return s != StatusRunning }

// ScriptDef is one entry of the immutable script catalog.
type ScriptDef struct {
	// Key is the stable short identifier, unique in the catalog,
	// matching [a-z0-9-]+.
	Key string
	// Command is the argument vector (program + fixed arguments).
	Command []string
	// TimeoutSeconds is the wall-clock budget for one run.
	TimeoutSeconds int
	// Public marks scripts a non-operator principal may request.
	Public bool
	// Critical scripts are exempt from system-resource backpressure and
	// from the system RAM / load kill thresholds. Per-process RSS and
	// disk limits still apply.
	Critical bool
	// Description is human text for UIs.
	Description string
}

// QueuedScript is an admitted but not-yet-launched request.
type QueuedScript struct {
	QueueID       int64
	ScriptKey     string
	RequesterID   int64
	RequesterTag  string
	ChannelID     int64
	PublicRequest bool
	BypassLimits  bool
	Priority      int // 1..9, 1 = highest
	RetryIndex    int
	RetryOfRunID  int64 // 0 = not a retry
	EnqueuedAt    time.Time
	// NotBefore carries a monotonic reading; the item is ineligible
	// before it.
	NotBefore   time.Time
	CommandArgs []string
	ExtraEnv    map[string]string
	TargetLabel string
}

// RunningScript is a live child owned by exactly one supervisor goroutine.
type RunningScript struct {
	RunID         int64
	ScriptKey     string
	RequesterID   int64
	RequesterTag  string
	ChannelID     int64
	PublicRequest bool
	Priority      int
	QueueID       int64
	RetryIndex    int
	CommandArgs   []string
	TargetLabel   string

	TimeoutSeconds int
	StartedAt      time.Time // monotonic-backed
	StartedWall    time.Time
	LogPath        string

	cmd     *exec.Cmd
	logFile *os.File

	// exited is closed by the reaper goroutine once Wait returned;
	// exitCode is valid only after exited is closed.
	exited   chan struct{}
	exitCode int
}

// PID returns the child's process id.
func (r *RunningScript) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// RunRecord is one row of the run ledger.
type RunRecord struct {
	ID              int64
	ScriptKey       string
	RequesterID     int64
	RequesterTag    string
	PublicRequest   bool
	CommandJSON     string
	Status          RunStatus
	ReturnCode      *int
	Note            string
	StartedAt       string // ISO 8601 UTC
	EndedAt         *string
	DurationSeconds *float64
	LogPath         string
}

// RunInsert carries the fields of a new ledger row (status=running).
type RunInsert struct {
	ScriptKey     string
	RequesterID   int64
	RequesterTag  string
	PublicRequest bool
	Command       []string
	StartedAt     string
	LogPath       string
}

// RunFinal carries the terminal fields written by FinalizeRun.
type RunFinal struct {
	Status          RunStatus
	ReturnCode      *int
	Note            string
	EndedAt         string
	DurationSeconds float64
}

// RunFilter selects ledger rows for FilteredRuns. Empty fields match all.
type RunFilter struct {
	ScriptKey string
	Status    string
	Limit     int
	Offset    int
}

// KeyCount is one (key, count) aggregation row.
type KeyCount struct {
	Key   string
	Count int
}

// RunSummary aggregates the ledger over a half-open [start, end) interval.
type RunSummary struct {
	Total          int
	SuccessCount   int
	FailureCount   int
	SuccessRate    float64 // percent
	AvgDuration    float64 // seconds
	ByStatus       []KeyCount
	ByScript       []KeyCount
	ByScriptFailed []KeyCount
}

// AuditEvent is one operator action, append-only.
type AuditEvent struct {
	ActorID   int64
	Action    string // truncated to 200
	Target    string // truncated to 200
	Details   string // truncated to 2000
	GuildID   int64  // 0 = none
	ChannelID int64  // 0 = none
}

// ServerLogEvent is one structured engine event, append-only, mirrored to a
// JSON-lines file next to the run logs.
type ServerLogEvent struct {
	Level     string
	Event     string
	ActorID   int64 // 0 = none
	GuildID   int64
	ChannelID int64
	Details   string // truncated to 3000
}

// StartRequest is an admission request for one script launch.
type StartRequest struct {
	ScriptKey     string
	RequesterID   int64
	RequesterTag  string
	ChannelID     int64
	PublicRequest bool
	BypassLimits  bool
	Priority      int
	RetryIndex    int
	RetryOfRunID  int64
	// NotBeforeDelay defers eligibility (used by retries).
	NotBeforeDelay time.Duration
	CommandArgs    []string
	ExtraEnv       map[string]string
	TargetLabel    string
}

// StartResult is the outcome of an accepted start request: either the script
// launched immediately (State "started") or it waits in the queue ("queued").
type StartResult struct {
	State    string // "started" | "queued"
	QueueID  int64
	Position int   // valid when queued
	RunID    int64 // valid when started
	PID      int   // valid when started
}

// PanelLocation identifies the persisted public panel message, if any.
type PanelLocation struct {
	ChannelID int64
	MessageID int64
}

// HealthSnapshot is a point-in-time view of the host and the engine.
type HealthSnapshot struct {
	StoreOK       bool
	StoreError    string
	UsedMB        int
	TotalMB       int
	UsedPercent   float64
	FreeDiskGB    int
	LoadPerCPU    float64
	QueueDepth    int
	RunningCount  int
}
