// Package sqlite implements luffybot.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/luffybot"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithBackupDir sets the snapshot directory. Default: db_backups next to
// the database file.
func WithBackupDir(dir string) StoreOption {
	return func(s *Store) { s.backupDir = dir }
}

// WithActionLogPath sets the JSON-lines mirror of the server log. Default:
// server_actions.log next to the database file.
func WithActionLogPath(path string) StoreOption {
	return func(s *Store) { s.actionLogPath = path }
}

// Store implements luffybot.Store backed by a local SQLite file. Settings
// are cached in memory and written through; the run ledger, audit trail and
// server log are append-only tables.
type Store struct {
	path          string
	backupDir     string
	actionLogPath string
	logger        *slog.Logger

	// mu guards db (swapped on restore) and the settings cache.
	mu    sync.RWMutex
	db    *sql.DB
	cache map[string]string
}

var _ luffybot.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	s := &Store{
		path:          dbPath,
		backupDir:     filepath.Join(filepath.Dir(dbPath), "db_backups"),
		actionLogPath: filepath.Join(filepath.Dir(dbPath), "server_actions.log"),
		logger:        nopLogger,
		cache:         make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	s.db = openDB(dbPath)
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

func openDB(dbPath string) *sql.DB {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return db
}

func (s *Store) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Init creates the schema, seeds missing settings to their defaults and
// warms the settings cache. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.actionLogPath), 0o755); err != nil {
		return fmt.Errorf("action log dir: %w", err)
	}

	db := s.conn()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("journal mode: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS script_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			script_key TEXT NOT NULL,
			requester_id INTEGER NOT NULL,
			requester_tag TEXT NOT NULL,
			public_request INTEGER NOT NULL,
			command_json TEXT NOT NULL,
			status TEXT NOT NULL,
			return_code INTEGER,
			note TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			duration_seconds REAL,
			log_path TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS op_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			target TEXT,
			details TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS server_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			actor_id INTEGER,
			guild_id INTEGER,
			channel_id INTEGER,
			details TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_script_runs_script ON script_runs(script_key)`,
		`CREATE INDEX IF NOT EXISTS idx_script_runs_started ON script_runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_script_runs_status ON script_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_server_logs_ts ON server_logs(ts)`,
	}
	for _, ddl := range indexes {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	for key, value := range luffybot.DefaultSettings {
		if _, err := db.ExecContext(ctx,
			"INSERT OR IGNORE INTO settings(key, value) VALUES(?, ?)", key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}

	if err := s.reloadCache(ctx); err != nil {
		return err
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) reloadCache(ctx context.Context) error {
	rows, err := s.conn().QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		fresh[key] = value
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()
	return nil
}

// GetSetting reads from the cache only.
func (s *Store) GetSetting(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.cache[key]; ok {
		return v
	}
	return def
}

// SetSetting writes through the cache into the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	start := time.Now()
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		s.logger.Error("sqlite: set setting failed", "key", key, "error", err)
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	s.logger.Debug("sqlite: set setting", "key", key, "duration", time.Since(start))
	return nil
}

// InsertRun creates a ledger row with status running.
func (s *Store) InsertRun(ctx context.Context, in luffybot.RunInsert) (int64, error) {
	start := time.Now()
	commandJSON, err := json.Marshal(in.Command)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	res, err := s.conn().ExecContext(ctx,
		`INSERT INTO script_runs(
			script_key, requester_id, requester_tag, public_request,
			command_json, status, started_at, log_path
		 ) VALUES(?, ?, ?, ?, ?, 'running', ?, ?)`,
		in.ScriptKey, in.RequesterID, in.RequesterTag, boolInt(in.PublicRequest),
		string(commandJSON), in.StartedAt, in.LogPath)
	if err != nil {
		s.logger.Error("sqlite: insert run failed", "script", in.ScriptKey, "error", err)
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	s.logger.Debug("sqlite: run inserted", "run_id", id, "script", in.ScriptKey, "duration", time.Since(start))
	return id, nil
}

// FinalizeRun flips a running row to its terminal state. A second call for
// the same id, or an unknown id, is an error.
func (s *Store) FinalizeRun(ctx context.Context, runID int64, fin luffybot.RunFinal) error {
	start := time.Now()
	res, err := s.conn().ExecContext(ctx,
		`UPDATE script_runs
		 SET status = ?, return_code = ?, note = ?, ended_at = ?, duration_seconds = ?
		 WHERE id = ? AND status = 'running'`,
		string(fin.Status), nullableInt(fin.ReturnCode), truncate(fin.Note, 2000),
		fin.EndedAt, fin.DurationSeconds, runID)
	if err != nil {
		s.logger.Error("sqlite: finalize run failed", "run_id", runID, "error", err)
		return fmt.Errorf("finalize run %d: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run %d: %w", runID, err)
	}
	if affected == 0 {
		return fmt.Errorf("finalize run %d: no row in running state", runID)
	}
	s.logger.Debug("sqlite: run finalized", "run_id", runID, "status", fin.Status, "duration", time.Since(start))
	return nil
}

const runColumns = `id, script_key, requester_id, requester_tag, public_request,
	command_json, status, return_code, note, started_at, ended_at, duration_seconds, log_path`

func scanRun(sc interface{ Scan(...any) error }) (luffybot.RunRecord, error) {
	var r luffybot.RunRecord
	var public int
	var rc sql.NullInt64
	var note, endedAt, logPath sql.NullString
	var duration sql.NullFloat64
	err := sc.Scan(&r.ID, &r.ScriptKey, &r.RequesterID, &r.RequesterTag, &public,
		&r.CommandJSON, &r.Status, &rc, &note, &r.StartedAt, &endedAt, &duration, &logPath)
	if err != nil {
		return r, err
	}
	r.PublicRequest = public != 0
	if rc.Valid {
		v := int(rc.Int64)
		r.ReturnCode = &v
	}
	r.Note = note.String
	if endedAt.Valid {
		v := endedAt.String
		r.EndedAt = &v
	}
	if duration.Valid {
		v := duration.Float64
		r.DurationSeconds = &v
	}
	r.LogPath = logPath.String
	return r, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]luffybot.RunRecord, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []luffybot.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastRuns returns the most recent rows, newest first.
func (s *Store) LastRuns(ctx context.Context, scriptKey string, limit int) ([]luffybot.RunRecord, error) {
	limit = clamp(limit, 1, 200)
	var (
		runs []luffybot.RunRecord
		err  error
	)
	if scriptKey != "" {
		runs, err = s.queryRuns(ctx,
			`SELECT `+runColumns+` FROM script_runs WHERE script_key = ? ORDER BY id DESC LIMIT ?`,
			scriptKey, limit)
	} else {
		runs, err = s.queryRuns(ctx,
			`SELECT `+runColumns+` FROM script_runs ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("last runs: %w", err)
	}
	return runs, nil
}

// FilteredRuns returns a page of matching rows plus the total match count.
func (s *Store) FilteredRuns(ctx context.Context, f luffybot.RunFilter) ([]luffybot.RunRecord, int, error) {
	limit := clamp(f.Limit, 1, 50)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var clauses []string
	var args []any
	if f.ScriptKey != "" {
		clauses = append(clauses, "script_key = ?")
		args = append(args, f.ScriptKey)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	whereSQL := ""
	if len(clauses) > 0 {
		whereSQL = "WHERE " + strings.Join(clauses, " AND ")
	}

	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM script_runs `+whereSQL+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("filtered runs: %w", err)
	}

	var total int
	if err := s.conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM script_runs "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("filtered runs count: %w", err)
	}
	return runs, total, nil
}

// LastFailedRun returns the newest non-success terminal row, or nil.
func (s *Store) LastFailedRun(ctx context.Context) (*luffybot.RunRecord, error) {
	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM script_runs
		 WHERE status IN ('failed','timed_out','killed_resource','killed')
		 ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("last failed run: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// RunsSince returns rows with started_at >= startISO, newest first.
func (s *Store) RunsSince(ctx context.Context, startISO string, limit int) ([]luffybot.RunRecord, error) {
	if limit < 1 {
		limit = 1
	}
	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM script_runs WHERE started_at >= ? ORDER BY id DESC LIMIT ?`,
		startISO, limit)
	if err != nil {
		return nil, fmt.Errorf("runs since: %w", err)
	}
	return runs, nil
}

// SummarizeRuns aggregates the ledger over the half-open [startISO, endISO).
func (s *Store) SummarizeRuns(ctx context.Context, startISO, endISO string) (luffybot.RunSummary, error) {
	var sum luffybot.RunSummary
	db := s.conn()

	var total, successCount, failureCount sql.NullInt64
	var avgDuration sql.NullFloat64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END),
			AVG(duration_seconds)
		 FROM script_runs
		 WHERE started_at >= ? AND started_at < ?`, startISO, endISO).
		Scan(&total, &successCount, &failureCount, &avgDuration)
	if err != nil {
		return sum, fmt.Errorf("summarize runs: %w", err)
	}
	sum.Total = int(total.Int64)
	sum.SuccessCount = int(successCount.Int64)
	sum.FailureCount = int(failureCount.Int64)
	sum.AvgDuration = avgDuration.Float64
	if sum.Total > 0 {
		sum.SuccessRate = float64(sum.SuccessCount) / float64(sum.Total) * 100.0
	}

	groupQuery := func(query string) ([]luffybot.KeyCount, error) {
		rows, err := db.QueryContext(ctx, query, startISO, endISO)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []luffybot.KeyCount
		for rows.Next() {
			var kc luffybot.KeyCount
			if err := rows.Scan(&kc.Key, &kc.Count); err != nil {
				return nil, err
			}
			out = append(out, kc)
		}
		return out, rows.Err()
	}

	if sum.ByStatus, err = groupQuery(
		`SELECT status, COUNT(*) AS c FROM script_runs
		 WHERE started_at >= ? AND started_at < ? GROUP BY status ORDER BY c DESC`); err != nil {
		return sum, fmt.Errorf("summarize by status: %w", err)
	}
	if sum.ByScript, err = groupQuery(
		`SELECT script_key, COUNT(*) AS c FROM script_runs
		 WHERE started_at >= ? AND started_at < ? GROUP BY script_key ORDER BY c DESC LIMIT 8`); err != nil {
		return sum, fmt.Errorf("summarize by script: %w", err)
	}
	if sum.ByScriptFailed, err = groupQuery(
		`SELECT script_key, COUNT(*) AS c FROM script_runs
		 WHERE started_at >= ? AND started_at < ? AND status != 'success'
		 GROUP BY script_key ORDER BY c DESC LIMIT 8`); err != nil {
		return sum, fmt.Errorf("summarize failures: %w", err)
	}
	return sum, nil
}

// AppendAudit records one operator action and mirrors it into the server log.
func (s *Store) AppendAudit(ctx context.Context, ev luffybot.AuditEvent) error {
	_, err := s.conn().ExecContext(ctx,
		"INSERT INTO op_audit(ts, actor_id, action, target, details) VALUES(?, ?, ?, ?, ?)",
		luffybot.UTCNowISO(), ev.ActorID, truncate(ev.Action, 200), truncate(ev.Target, 200), truncate(ev.Details, 2000))
	if err != nil {
		s.logger.Error("sqlite: append audit failed", "action", ev.Action, "error", err)
		return fmt.Errorf("append audit: %w", err)
	}
	return s.AppendServerLog(ctx, luffybot.ServerLogEvent{
		Level:     "info",
		Event:     ev.Action,
		ActorID:   ev.ActorID,
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		Details:   fmt.Sprintf("target=%s details=%s", ev.Target, ev.Details),
	})
}

// AppendServerLog records one engine event and mirrors it to the JSON-lines
// action log. The file mirror is best-effort.
func (s *Store) AppendServerLog(ctx context.Context, ev luffybot.ServerLogEvent) error {
	ts := luffybot.UTCNowISO()
	s.writeActionLog(map[string]any{
		"ts":         ts,
		"level":      ev.Level,
		"event":      ev.Event,
		"actor_id":   ev.ActorID,
		"guild_id":   ev.GuildID,
		"channel_id": ev.ChannelID,
		"details":    ev.Details,
	})
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO server_logs(ts, level, event, actor_id, guild_id, channel_id, details)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ts, truncate(ev.Level, 20), truncate(ev.Event, 200),
		nullableID(ev.ActorID), nullableID(ev.GuildID), nullableID(ev.ChannelID),
		truncate(ev.Details, 3000))
	if err != nil {
		s.logger.Error("sqlite: append server log failed", "event", ev.Event, "error", err)
		return fmt.Errorf("append server log: %w", err)
	}
	return nil
}

func (s *Store) writeActionLog(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.actionLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// BackupSnapshot writes a consistent snapshot via VACUUM INTO and returns
// its path.
func (s *Store) BackupSnapshot(ctx context.Context) (string, error) {
	start := time.Now()
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("backup snapshot: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	backupPath := filepath.Join(s.backupDir, fmt.Sprintf("luffybot_%s.sqlite3", stamp))
	if _, err := s.conn().ExecContext(ctx, "VACUUM INTO ?", backupPath); err != nil {
		s.logger.Error("sqlite: backup failed", "path", backupPath, "error", err)
		return "", fmt.Errorf("backup snapshot: %w", err)
	}
	s.logger.Info("sqlite: backup written", "path", backupPath, "duration", time.Since(start))
	return backupPath, nil
}

// LatestBackup returns the newest snapshot path, or "" if none exists.
func (s *Store) LatestBackup() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.backupDir, "luffybot_*.sqlite3"))
	if err != nil {
		return "", fmt.Errorf("latest backup: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// RestoreLatest replaces the live database from the newest snapshot,
// reopens the connection and reloads the settings cache. The caller must
// ensure no runs are active.
func (s *Store) RestoreLatest(ctx context.Context) (string, error) {
	backup, err := s.LatestBackup()
	if err != nil {
		return "", err
	}
	if backup == "" {
		return "", luffybot.ErrNoBackup
	}

	s.mu.Lock()
	s.db.Close()
	// Drop WAL leftovers so the restored file is opened clean.
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")
	if err := copyFile(backup, s.path); err != nil {
		s.db = openDB(s.path)
		s.mu.Unlock()
		return "", fmt.Errorf("restore latest: %w", err)
	}
	s.db = openDB(s.path)
	s.mu.Unlock()

	if err := s.reloadCache(ctx); err != nil {
		return "", fmt.Errorf("restore latest: %w", err)
	}
	s.logger.Info("sqlite: restored from backup", "path", backup)
	return backup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Ping verifies the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn().PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn().Close()
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
