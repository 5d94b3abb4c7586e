// Package postgres implements luffybot.Store on PostgreSQL via pgx.
// Snapshots shell out to pg_dump / psql, so both must be on PATH when
// backups are enabled.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/luffybot"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithBackupDir sets the snapshot directory for pg_dump output.
func WithBackupDir(dir string) StoreOption {
	return func(s *Store) { s.backupDir = dir }
}

// WithActionLogPath sets the JSON-lines mirror of the server log.
func WithActionLogPath(path string) StoreOption {
	return func(s *Store) { s.actionLogPath = path }
}

// Store implements luffybot.Store backed by a PostgreSQL database.
type Store struct {
	dsn           string
	pool          *pgxpool.Pool
	backupDir     string
	actionLogPath string
	logger        *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

var _ luffybot.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New connects to the database at dsn.
func New(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dsn:           dsn,
		backupDir:     "db_backups",
		actionLogPath: "server_actions.log",
		logger:        nopLogger,
		cache:         make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	s.pool = pool
	s.logger.Debug("postgres: store opened")
	return s, nil
}

// Init creates the schema, seeds missing settings and warms the cache.
// Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("postgres: init started")

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.actionLogPath), 0o755); err != nil {
		return fmt.Errorf("action log dir: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS script_runs (
			id BIGSERIAL PRIMARY KEY,
			script_key TEXT NOT NULL,
			requester_id BIGINT NOT NULL,
			requester_tag TEXT NOT NULL,
			public_request BOOLEAN NOT NULL,
			command_json TEXT NOT NULL,
			status TEXT NOT NULL,
			return_code INTEGER,
			note TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			duration_seconds DOUBLE PRECISION,
			log_path TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS op_audit (
			id BIGSERIAL PRIMARY KEY,
			ts TEXT NOT NULL,
			actor_id BIGINT NOT NULL,
			action TEXT NOT NULL,
			target TEXT,
			details TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS server_logs (
			id BIGSERIAL PRIMARY KEY,
			ts TEXT NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			actor_id BIGINT,
			guild_id BIGINT,
			channel_id BIGINT,
			details TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
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
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	for key, value := range luffybot.DefaultSettings {
		if _, err := s.pool.Exec(ctx,
			"INSERT INTO settings(key, value) VALUES($1, $2) ON CONFLICT (key) DO NOTHING",
			key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}

	if err := s.reloadCache(ctx); err != nil {
		return err
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) reloadCache(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, "SELECT key, value FROM settings")
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings(key, value) VALUES($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		s.logger.Error("postgres: set setting failed", "key", key, "error", err)
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	s.logger.Debug("postgres: set setting", "key", key, "duration", time.Since(start))
	return nil
}

// InsertRun creates a ledger row with status running.
func (s *Store) InsertRun(ctx context.Context, in luffybot.RunInsert) (int64, error) {
	start := time.Now()
	commandJSON, err := json.Marshal(in.Command)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO script_runs(
			script_key, requester_id, requester_tag, public_request,
			command_json, status, started_at, log_path
		 ) VALUES($1, $2, $3, $4, $5, 'running', $6, $7)
		 RETURNING id`,
		in.ScriptKey, in.RequesterID, in.RequesterTag, in.PublicRequest,
		string(commandJSON), in.StartedAt, in.LogPath).Scan(&id)
	if err != nil {
		s.logger.Error("postgres: insert run failed", "script", in.ScriptKey, "error", err)
		return 0, fmt.Errorf("insert run: %w", err)
	}
	s.logger.Debug("postgres: run inserted", "run_id", id, "script", in.ScriptKey, "duration", time.Since(start))
	return id, nil
}

// FinalizeRun flips a running row to its terminal state. A second call for
// the same id, or an unknown id, is an error.
func (s *Store) FinalizeRun(ctx context.Context, runID int64, fin luffybot.RunFinal) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE script_runs
		 SET status = $1, return_code = $2, note = $3, ended_at = $4, duration_seconds = $5
		 WHERE id = $6 AND status = 'running'`,
		string(fin.Status), fin.ReturnCode, truncate(fin.Note, 2000),
		fin.EndedAt, fin.DurationSeconds, runID)
	if err != nil {
		s.logger.Error("postgres: finalize run failed", "run_id", runID, "error", err)
		return fmt.Errorf("finalize run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize run %d: no row in running state", runID)
	}
	s.logger.Debug("postgres: run finalized", "run_id", runID, "status", fin.Status, "duration", time.Since(start))
	return nil
}

const runColumns = `id, script_key, requester_id, requester_tag, public_request,
	command_json, status, return_code, note, started_at, ended_at, duration_seconds, log_path`

type rowScanner interface{ Scan(...any) error }

func scanRun(sc rowScanner) (luffybot.RunRecord, error) {
	var r luffybot.RunRecord
	var rc sql.NullInt64
	var note, endedAt, logPath sql.NullString
	var duration sql.NullFloat64
	err := sc.Scan(&r.ID, &r.ScriptKey, &r.RequesterID, &r.RequesterTag, &r.PublicRequest,
		&r.CommandJSON, &r.Status, &rc, &note, &r.StartedAt, &endedAt, &duration, &logPath)
	if err != nil {
		return r, err
	}
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
	rows, err := s.pool.Query(ctx, query, args...)
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
			`SELECT `+runColumns+` FROM script_runs WHERE script_key = $1 ORDER BY id DESC LIMIT $2`,
			scriptKey, limit)
	} else {
		runs, err = s.queryRuns(ctx,
			`SELECT `+runColumns+` FROM script_runs ORDER BY id DESC LIMIT $1`, limit)
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
		args = append(args, f.ScriptKey)
		clauses = append(clauses, fmt.Sprintf("script_key = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	whereSQL := ""
	if len(clauses) > 0 {
		whereSQL = "WHERE " + strings.Join(clauses, " AND ")
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	runs, err := s.queryRuns(ctx,
		fmt.Sprintf(`SELECT %s FROM script_runs %s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
			runColumns, whereSQL, len(args)+1, len(args)+2),
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("filtered runs: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
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
		`SELECT `+runColumns+` FROM script_runs WHERE started_at >= $1 ORDER BY id DESC LIMIT $2`,
		startISO, limit)
	if err != nil {
		return nil, fmt.Errorf("runs since: %w", err)
	}
	return runs, nil
}

// SummarizeRuns aggregates the ledger over the half-open [startISO, endISO).
func (s *Store) SummarizeRuns(ctx context.Context, startISO, endISO string) (luffybot.RunSummary, error) {
	var sum luffybot.RunSummary

	var total, successCount, failureCount sql.NullInt64
	var avgDuration sql.NullFloat64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END),
			AVG(duration_seconds)
		 FROM script_runs
		 WHERE started_at >= $1 AND started_at < $2`, startISO, endISO).
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
		rows, err := s.pool.Query(ctx, query, startISO, endISO)
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
		 WHERE started_at >= $1 AND started_at < $2 GROUP BY status ORDER BY c DESC`); err != nil {
		return sum, fmt.Errorf("summarize by status: %w", err)
	}
	if sum.ByScript, err = groupQuery(
		`SELECT script_key, COUNT(*) AS c FROM script_runs
		 WHERE started_at >= $1 AND started_at < $2 GROUP BY script_key ORDER BY c DESC LIMIT 8`); err != nil {
		return sum, fmt.Errorf("summarize by script: %w", err)
	}
	if sum.ByScriptFailed, err = groupQuery(
		`SELECT script_key, COUNT(*) AS c FROM script_runs
		 WHERE started_at >= $1 AND started_at < $2 AND status != 'success'
		 GROUP BY script_key ORDER BY c DESC LIMIT 8`); err != nil {
		return sum, fmt.Errorf("summarize failures: %w", err)
	}
	return sum, nil
}

// AppendAudit records one operator action and mirrors it into the server log.
func (s *Store) AppendAudit(ctx context.Context, ev luffybot.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO op_audit(ts, actor_id, action, target, details) VALUES($1, $2, $3, $4, $5)",
		luffybot.UTCNowISO(), ev.ActorID, truncate(ev.Action, 200), truncate(ev.Target, 200), truncate(ev.Details, 2000))
	if err != nil {
		s.logger.Error("postgres: append audit failed", "action", ev.Action, "error", err)
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO server_logs(ts, level, event, actor_id, guild_id, channel_id, details)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		ts, truncate(ev.Level, 20), truncate(ev.Event, 200),
		nullableID(ev.ActorID), nullableID(ev.GuildID), nullableID(ev.ChannelID),
		truncate(ev.Details, 3000))
	if err != nil {
		s.logger.Error("postgres: append server log failed", "event", ev.Event, "error", err)
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

// BackupSnapshot dumps the database with pg_dump and returns the dump path.
func (s *Store) BackupSnapshot(ctx context.Context) (string, error) {
	start := time.Now()
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("backup snapshot: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	backupPath := filepath.Join(s.backupDir, fmt.Sprintf("luffybot_%s.sql", stamp))

	cmd := exec.CommandContext(ctx, "pg_dump", "--clean", "--if-exists", "--file", backupPath, s.dsn)
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Error("postgres: backup failed", "error", err, "output", truncate(string(out), 500))
		return "", fmt.Errorf("backup snapshot: pg_dump: %w", err)
	}
	s.logger.Info("postgres: backup written", "path", backupPath, "duration", time.Since(start))
	return backupPath, nil
}

// LatestBackup returns the newest dump path, or "" if none exists.
func (s *Store) LatestBackup() (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.backupDir, "luffybot_*.sql"))
	if err != nil {
		return "", fmt.Errorf("latest backup: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// RestoreLatest replays the newest dump with psql and reloads the settings
// cache. The caller must ensure no runs are active.
func (s *Store) RestoreLatest(ctx context.Context) (string, error) {
	backup, err := s.LatestBackup()
	if err != nil {
		return "", err
	}
	if backup == "" {
		return "", luffybot.ErrNoBackup
	}

	cmd := exec.CommandContext(ctx, "psql", "--set", "ON_ERROR_STOP=1", "--file", backup, s.dsn)
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Error("postgres: restore failed", "error", err, "output", truncate(string(out), 500))
		return "", fmt.Errorf("restore latest: psql: %w", err)
	}
	if err := s.reloadCache(ctx); err != nil {
		return "", fmt.Errorf("restore latest: %w", err)
	}
	s.logger.Info("postgres: restored from backup", "path", backup)
	return backup, nil
}

// Ping verifies the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
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

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
