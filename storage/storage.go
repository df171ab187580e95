// Package storage handles persistence of captured OTPs and service state.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"otp-notifier/pkg/otp"

	_ "modernc.org/sqlite"
)

// WatermarkKey is the state key holding the last seen OTP id.
const WatermarkKey = "last_seen_otp_id"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// IsNotFound checks if an error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the SQLite-backed durable store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers; SQLite would otherwise report SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS otps (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			ingested_at INTEGER NOT NULL,
			notified_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_otps_timestamp ON otps(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_otps_ingested_at ON otps(ingested_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				logger.Warn("Failed to close database after schema error", "error", closeErr)
			}
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	logger.Info("Database initialized", "path", path)
	return &Store{db: db, logger: logger, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SaveRecord inserts or replaces a record. Saving the same id twice is safe.
func (s *Store) SaveRecord(ctx context.Context, r *otp.Record) error {
	var notified sql.NullInt64
	if r.NotifiedAt != nil {
		notified = sql.NullInt64{Int64: r.NotifiedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO otps (id, timestamp, sender, body, service, ingested_at, notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Timestamp, r.Sender, r.Body, r.Service, r.IngestedAt.UnixMilli(), notified)
	if err != nil {
		return fmt.Errorf("save otp %s: %w", r.ID, err)
	}
	s.logger.Debug("Stored OTP", "otp_id", r.ID)
	return nil
}

// Exists reports whether a record with the given id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM otps WHERE id = ? LIMIT 1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check otp %s: %w", id, err)
	}
	return true, nil
}

// MarkNotified stamps the dispatch time of a record.
func (s *Store) MarkNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE otps SET notified_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark otp %s notified: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark otp %s notified: %w", id, ErrNotFound)
	}
	return nil
}

const recordColumns = `id, timestamp, sender, body, service, ingested_at, notified_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*otp.Record, error) {
	var r otp.Record
	var ingested int64
	var notified sql.NullInt64
	if err := row.Scan(&r.ID, &r.Timestamp, &r.Sender, &r.Body, &r.Service, &ingested, &notified); err != nil {
		return nil, err
	}
	r.IngestedAt = time.UnixMilli(ingested)
	if notified.Valid {
		t := time.UnixMilli(notified.Int64)
		r.NotifiedAt = &t
	}
	return &r, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*otp.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var records []*otp.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan otp: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get loads a single record by id.
func (s *Store) Get(ctx context.Context, id string) (*otp.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM otps WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get otp %s: %w", id, err)
	}
	return r, nil
}

// Recent returns up to limit records, newest ingestion first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*otp.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	records, err := s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM otps
		ORDER BY ingested_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent otps: %w", err)
	}
	return records, nil
}

// Last returns the most recently ingested record.
func (s *Store) Last(ctx context.Context) (*otp.Record, error) {
	records, err := s.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// Between returns records ingested within [start, end], newest first.
func (s *Store) Between(ctx context.Context, start, end time.Time) ([]*otp.Record, error) {
	records, err := s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM otps
		WHERE ingested_at BETWEEN ? AND ?
		ORDER BY ingested_at DESC, rowid DESC
	`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list otps by date range: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM otps`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count otps: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes records ingested before cutoff. The state table,
// including the watermark, is left alone.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM otps WHERE ingested_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old otps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old otps: %w", err)
	}
	s.logger.Info("Deleted old OTPs", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// SetState writes a key/value pair, replacing any previous value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO state (key, value, updated_at) VALUES (?, ?, ?)
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	s.logger.Debug("Set state", "key", key, "value", value)
	return nil
}

// State reads a value. The boolean is false when the key is absent.
func (s *Store) State(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// AllStates returns every key/value pair.
func (s *Store) AllStates(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM state ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	states := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states[k] = v
	}
	return states, rows.Err()
}

// ClearState deletes one key and reports whether it existed.
func (s *Store) ClearState(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("clear state %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear state %s: %w", key, err)
	}
	return n > 0, nil
}

// ClearAllStates deletes every key and returns how many were removed.
func (s *Store) ClearAllStates(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM state`)
	if err != nil {
		return 0, fmt.Errorf("clear states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear states: %w", err)
	}
	s.logger.Info("Cleared state entries", "count", n)
	return n, nil
}

// Watermark returns the last seen OTP id, or "" if none was recorded.
func (s *Store) Watermark(ctx context.Context) (string, error) {
	v, _, err := s.State(ctx, WatermarkKey)
	return v, err
}

// SetWatermark records the last seen OTP id.
func (s *Store) SetWatermark(ctx context.Context, id string) error {
	return s.SetState(ctx, WatermarkKey, id)
}

// Info gathers size and content statistics.
func (s *Store) Info(ctx context.Context) (*otp.StoreInfo, error) {
	info := &otp.StoreInfo{Path: s.path}

	if fi, err := os.Stat(s.path); err == nil {
		info.SizeBytes = fi.Size()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM otps`).Scan(&info.OTPCount); err != nil {
		return nil, fmt.Errorf("count otps: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM state`).Scan(&info.StateCount); err != nil {
		return nil, fmt.Errorf("count states: %w", err)
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(ingested_at), MAX(ingested_at) FROM otps`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("otp date range: %w", err)
	}
	if oldest.Valid {
		info.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		info.Newest = time.UnixMilli(newest.Int64)
	}
	return info, nil
}

// Health reports whether the database answers queries.
func (s *Store) Health(ctx context.Context) otp.ComponentHealth {
	if err := s.db.PingContext(ctx); err != nil {
		return otp.ComponentHealth{Status: otp.Unhealthy, Detail: err.Error()}
	}
	n, err := s.Count(ctx)
	if err != nil {
		return otp.ComponentHealth{Status: otp.Unhealthy, Detail: err.Error()}
	}
	return otp.ComponentHealth{Status: otp.Healthy, Detail: fmt.Sprintf("%d otps stored", n)}
}

// Vacuum rebuilds the database file to reclaim space.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum database: %w", err)
	}
	s.logger.Info("Database vacuumed", "path", s.path)
	return nil
}

// Backup writes a consistent copy of the database to dest.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup directory: %w", err)
		}
	}
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove previous backup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	s.logger.Info("Database backed up", "path", dest)
	return nil
}
