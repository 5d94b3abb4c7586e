package luffybot

import "context"

// Store is the durable state contract: key/value settings with a
// write-through cache, the append-only run ledger, the operator audit trail,
// the structured server log, and snapshot/restore of the backing store.
//
// Implementations must make Init idempotent (seeding defaults without
// overwriting existing values), assign strictly increasing run ids, and
// reject a second finalization of the same run.
type Store interface {
	// Init creates the schema, seeds missing settings to their defaults
	// and warms the settings cache.
	Init(ctx context.Context) error

	// GetSetting reads from the in-memory cache; def is returned for
	// unknown keys. Never blocks on the backing store.
	GetSetting(key, def string) string
	// SetSetting writes through the cache into the backing store.
	SetSetting(ctx context.Context, key, value string) error

	// InsertRun creates a ledger row with status running and returns its id.
	InsertRun(ctx context.Context, in RunInsert) (int64, error)
	// FinalizeRun flips a running row to its terminal state. Finalizing a
	// row twice, or an unknown id, is an error.
	FinalizeRun(ctx context.Context, runID int64, fin RunFinal) error

	// LastRuns returns the most recent rows, newest first. scriptKey ""
	// matches all; limit is clamped to [1,200].
	LastRuns(ctx context.Context, scriptKey string, limit int) ([]RunRecord, error)
	// FilteredRuns returns a page of matching rows plus the total match
	// count. Limit is clamped to [1,50].
	FilteredRuns(ctx context.Context, f RunFilter) ([]RunRecord, int, error)
	// LastFailedRun returns the newest non-success terminal row, or nil.
	LastFailedRun(ctx context.Context) (*RunRecord, error)
	// RunsSince returns rows with startedAt >= startISO, newest first.
	RunsSince(ctx context.Context, startISO string, limit int) ([]RunRecord, error)
	// SummarizeRuns aggregates rows over the half-open [startISO, endISO).
	SummarizeRuns(ctx context.Context, startISO, endISO string) (RunSummary, error)

	// AppendAudit records one operator action, timestamped by the store.
	AppendAudit(ctx context.Context, ev AuditEvent) error
	// AppendServerLog records one engine event and mirrors it to the
	// JSON-lines action log.
	AppendServerLog(ctx context.Context, ev ServerLogEvent) error

	// BackupSnapshot writes a point-in-time snapshot and returns its path.
	BackupSnapshot(ctx context.Context) (string, error)
	// LatestBackup returns the newest snapshot path, or "" if none exists.
	LatestBackup() (string, error)
	// RestoreLatest replaces the live store from the newest snapshot and
	// returns the snapshot path used. The caller must ensure no runs are
	// active. ErrNoBackup when no snapshot exists.
	RestoreLatest(ctx context.Context) (string, error)

	// Ping verifies the backing store answers.
	Ping(ctx context.Context) error
	Close() error
}
