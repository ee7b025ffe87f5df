package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/hearthd/hearth/internal/agent"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("store: not found")

// Store wraps the embedded database. All mutations are serialized through a
// single writer mutex; reads are snapshot-consistent per operation.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One connection: the driver serializes, and in-memory databases would
	// otherwise get a fresh empty database per connection.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		now:    time.Now,
		logger: slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			automation_hash TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			is_dead INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_hash ON signals(automation_hash, is_dead)`,
		`CREATE TABLE IF NOT EXISTS automation_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME NOT NULL,
			automation_hash TEXT,
			type TEXT NOT NULL,
			messages TEXT NOT NULL,
			signaled_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_logs_hash ON automation_logs(automation_hash)`,
		`CREATE TABLE IF NOT EXISTS call_service_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME NOT NULL,
			automation_log_id INTEGER NOT NULL REFERENCES automation_logs(id),
			service TEXT NOT NULL,
			target TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			entity_id TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			bytes BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			attrs TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AliveSignalsForHash returns the alive signals for one automation hash.
func (s *Store) AliveSignalsForHash(ctx context.Context, hash string) ([]Signal, error) {
	return s.querySignals(ctx,
		`SELECT id, automation_hash, kind, data, is_dead, created_at
		 FROM signals WHERE automation_hash = ? AND is_dead = 0 ORDER BY created_at, id`, hash)
}

// AliveSignals returns every alive signal. The trigger engine reconstitutes
// its timers from this set on startup.
func (s *Store) AliveSignals(ctx context.Context) ([]Signal, error) {
	return s.querySignals(ctx,
		`SELECT id, automation_hash, kind, data, is_dead, created_at
		 FROM signals WHERE is_dead = 0 ORDER BY created_at, id`)
}

func (s *Store) querySignals(ctx context.Context, query string, args ...any) ([]Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query signals: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func scanSignal(rows interface{ Scan(...any) error }) (Signal, error) {
	var sig Signal
	var data string
	var dead int
	if err := rows.Scan(&sig.ID, &sig.AutomationHash, &sig.Kind, &data, &dead, &sig.CreatedAt); err != nil {
		return Signal{}, fmt.Errorf("store: scan signal: %w", err)
	}
	sig.IsDead = dead != 0
	if err := json.Unmarshal([]byte(data), &sig.Data); err != nil {
		return Signal{}, fmt.Errorf("store: decode signal %s data: %w", sig.ID, err)
	}
	return sig, nil
}

// GetSignal loads one signal by id.
func (s *Store) GetSignal(ctx context.Context, id string) (Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, automation_hash, kind, data, is_dead, created_at FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Signal{}, ErrNotFound
	}
	return sig, err
}

// InsertSignal stores a new alive signal and returns its id.
func (s *Store) InsertSignal(ctx context.Context, hash, kind string, data SignalData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("store: encode signal data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (id, automation_hash, kind, data, is_dead, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		id, hash, kind, string(payload), s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("store: insert signal: %w", err)
	}
	return id, nil
}

// KillSignal marks one signal dead.
func (s *Store) KillSignal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET is_dead = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: kill signal %s: %w", id, err)
	}
	return nil
}

// KillAllForHash marks every alive signal for a hash dead.
func (s *Store) KillAllForHash(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET is_dead = 1 WHERE automation_hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("store: kill signals for %s: %w", hash, err)
	}
	return nil
}

// AppendAutomationLog stores one conversation log entry and returns its id.
func (s *Store) AppendAutomationLog(ctx context.Context, entry AutomationLogEntry) (int64, error) {
	messages, signaledBy, err := encodeLogEntry(entry)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_logs (created_at, automation_hash, type, messages, signaled_by) VALUES (?, ?, ?, ?, ?)`,
		createdAt, nullString(entry.AutomationHash), entry.Type, messages, signaledBy)
	if err != nil {
		return 0, fmt.Errorf("store: append automation log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: automation log id: %w", err)
	}
	return id, nil
}

func encodeLogEntry(entry AutomationLogEntry) (string, sql.NullString, error) {
	messages, err := json.Marshal(entry.Messages)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("store: encode messages: %w", err)
	}
	var signaledBy sql.NullString
	if entry.SignaledBy != nil {
		raw, err := json.Marshal(entry.SignaledBy)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("store: encode signaled_by: %w", err)
		}
		signaledBy = sql.NullString{String: string(raw), Valid: true}
	}
	return string(messages), signaledBy, nil
}

// UpdateAutomationLog replaces the message list of an existing entry. Used
// by the manual chat path while a request is still in flight and by the
// execution path to land the final transcript.
func (s *Store) UpdateAutomationLog(ctx context.Context, id int64, messages []agent.MessageParam) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("store: encode messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE automation_logs SET messages = ? WHERE id = ?`, string(payload), id)
	if err != nil {
		return fmt.Errorf("store: update automation log %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendExecutionLog stores an execute-signal log entry and, when
// killSignalID is set, marks that signal dead in the same transaction.
// One-shot signals die at this point, before the execution loop runs, so a
// crash mid-execution can never replay a fired one-shot: the log row and
// the kill land together or not at all.
func (s *Store) AppendExecutionLog(ctx context.Context, entry AutomationLogEntry, killSignalID string) (int64, error) {
	messages, signaledBy, err := encodeLogEntry(entry)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", err)
		}
	}()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO automation_logs (created_at, automation_hash, type, messages, signaled_by) VALUES (?, ?, ?, ?, ?)`,
		createdAt, nullString(entry.AutomationHash), entry.Type, messages, signaledBy)
	if err != nil {
		return 0, fmt.Errorf("store: append execution log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: execution log id: %w", err)
	}
	if killSignalID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE signals SET is_dead = 1 WHERE id = ?`, killSignalID); err != nil {
			return 0, fmt.Errorf("store: kill signal %s: %w", killSignalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// RecordServiceCall stores one hub service call under an automation log.
func (s *Store) RecordServiceCall(ctx context.Context, automationLogID int64, service, target string, data map[string]any) error {
	var payload sql.NullString
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("store: encode call data: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_service_logs (created_at, automation_log_id, service, target, data) VALUES (?, ?, ?, ?, ?)`,
		s.now().UTC(), automationLogID, service, target, payload)
	if err != nil {
		return fmt.Errorf("store: record service call: %w", err)
	}
	return nil
}

// ServiceCallsForLog returns the service calls recorded under one entry.
func (s *Store) ServiceCallsForLog(ctx context.Context, automationLogID int64) ([]CallServiceLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at, automation_log_id, service, target, data FROM call_service_logs
		 WHERE automation_log_id = ? ORDER BY id`, automationLogID)
	if err != nil {
		return nil, fmt.Errorf("store: query service calls: %w", err)
	}
	defer rows.Close()

	var calls []CallServiceLogEntry
	for rows.Next() {
		var call CallServiceLogEntry
		var data sql.NullString
		if err := rows.Scan(&call.CreatedAt, &call.AutomationLogID, &call.Service, &call.Target, &data); err != nil {
			return nil, fmt.Errorf("store: scan service call: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &call.Data); err != nil {
				return nil, fmt.Errorf("store: decode call data: %w", err)
			}
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// GetAutomationLog loads one conversation log entry.
func (s *Store) GetAutomationLog(ctx context.Context, id int64) (AutomationLogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, automation_hash, type, messages, signaled_by FROM automation_logs WHERE id = ?`, id)

	var entry AutomationLogEntry
	var hash, signaledBy sql.NullString
	var messages string
	err := row.Scan(&entry.ID, &entry.CreatedAt, &hash, &entry.Type, &messages, &signaledBy)
	if errors.Is(err, sql.ErrNoRows) {
		return AutomationLogEntry{}, ErrNotFound
	}
	if err != nil {
		return AutomationLogEntry{}, fmt.Errorf("store: load automation log %d: %w", id, err)
	}
	entry.AutomationHash = hash.String
	if err := json.Unmarshal([]byte(messages), &entry.Messages); err != nil {
		return AutomationLogEntry{}, fmt.Errorf("store: decode messages: %w", err)
	}
	if signaledBy.Valid {
		entry.SignaledBy = &Signal{}
		if err := json.Unmarshal([]byte(signaledBy.String), entry.SignaledBy); err != nil {
			return AutomationLogEntry{}, fmt.Errorf("store: decode signaled_by: %w", err)
		}
	}
	return entry, nil
}

// RecentAutomationLogs returns the newest entries, most recent first.
func (s *Store) RecentAutomationLogs(ctx context.Context, limit int) ([]AutomationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM automation_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query automation logs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan log id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries := make([]AutomationLogEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.GetAutomationLog(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// InsertImage stores a captured frame and returns its id.
func (s *Store) InsertImage(ctx context.Context, entityID, mimeType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (id, created_at, entity_id, mime_type, bytes) VALUES (?, ?, ?, ?, ?)`,
		id, s.now().UTC(), entityID, mimeType, data)
	if err != nil {
		return "", fmt.Errorf("store: insert image: %w", err)
	}
	return id, nil
}

// GetImage loads one captured frame.
func (s *Store) GetImage(ctx context.Context, id string) (Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, entity_id, mime_type, bytes FROM images WHERE id = ?`, id)
	var img Image
	err := row.Scan(&img.ID, &img.CreatedAt, &img.EntityID, &img.MimeType, &img.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, fmt.Errorf("store: load image %s: %w", id, err)
	}
	return img, nil
}

// AppendLogLine stores one application log line in the persisted tail.
func (s *Store) AppendLogLine(ctx context.Context, line LogLine) error {
	createdAt := line.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (created_at, level, message, attrs) VALUES (?, ?, ?, ?)`,
		createdAt, line.Level, line.Message, nullString(line.Attrs))
	if err != nil {
		return fmt.Errorf("store: append log line: %w", err)
	}
	return nil
}

// RecentLogLines returns the newest log lines, oldest first.
func (s *Store) RecentLogLines(ctx context.Context, limit int) ([]LogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at, level, message, attrs FROM
		 (SELECT id, created_at, level, message, attrs FROM logs ORDER BY id DESC LIMIT ?)
		 ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query log lines: %w", err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var line LogLine
		var attrs sql.NullString
		if err := rows.Scan(&line.CreatedAt, &line.Level, &line.Message, &attrs); err != nil {
			return nil, fmt.Errorf("store: scan log line: %w", err)
		}
		line.Attrs = attrs.String
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// TrimLogLines drops all but the newest keep lines.
func (s *Store) TrimLogLines(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("store: trim log lines: %w", err)
	}
	return nil
}

// Checkpoint flushes the WAL into the main database file. Invoked on
// shutdown.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
