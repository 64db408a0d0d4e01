package recorder

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/exe-blue/doai-me-app-sub000/internal/config"
	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/tasks"
)

const (
	envDBPath         = "FLEET_DB_PATH"
	defaultDBDirName  = ".doai"
	defaultDBFileName = "fleet.sqlite"
)

// SQLite records into a local SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// ResolveDatabasePath returns FLEET_DB_PATH or ~/.doai/fleet.sqlite, creating
// the parent directory.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(config.String(envDBPath, "")); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "recorder: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "recorder: create dir %s failed", path)
	}
	return nil
}

// Open opens (and migrates) the database at path; an empty path resolves
// the default location.
func Open(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
		path = resolved
	} else if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "recorder: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("recorder: sqlite ready")
	return &SQLite{db: db, path: path}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "recorder: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			address TEXT PRIMARY KEY,
			serial TEXT,
			transport TEXT NOT NULL,
			status TEXT NOT NULL,
			model TEXT,
			os_version TEXT,
			display_w INTEGER,
			display_h INTEGER,
			citizen_id TEXT,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			connected_at INTEGER,
			last_seen_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			device_id TEXT,
			error TEXT,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "recorder: prepare schema failed")
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// RecordDevice upserts the latest snapshot of dev.
func (s *SQLite) RecordDevice(ctx context.Context, dev device.Device) error {
	const stmt = `INSERT INTO devices (address, serial, transport, status, model, os_version,
			display_w, display_h, citizen_id, error_count, last_error, connected_at, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			serial=excluded.serial, transport=excluded.transport, status=excluded.status,
			model=excluded.model, os_version=excluded.os_version,
			display_w=excluded.display_w, display_h=excluded.display_h,
			citizen_id=excluded.citizen_id, error_count=excluded.error_count,
			last_error=excluded.last_error, connected_at=excluded.connected_at,
			last_seen_at=excluded.last_seen_at, updated_at=excluded.updated_at`
	err := execWithRetry(ctx, s.db, stmt,
		dev.Address, nullableString(dev.Serial), string(dev.Transport), string(dev.Status),
		nullableString(dev.Model), nullableString(dev.OSVersion),
		dev.DisplaySize.Width, dev.DisplaySize.Height, nullableString(dev.CitizenID),
		dev.ErrorCount, nullableString(dev.LastError),
		unixMilli(dev.ConnectedAt), unixMilli(dev.LastSeenAt), time.Now().UnixMilli(),
	)
	return errors.Wrapf(err, "recorder: upsert device %s", dev.Address)
}

// ForgetDevice deletes an explicitly removed device.
func (s *SQLite) ForgetDevice(ctx context.Context, address string) error {
	err := execWithRetry(ctx, s.db, `DELETE FROM devices WHERE address = ?`, address)
	return errors.Wrapf(err, "recorder: forget device %s", address)
}

// RecordTask appends one transition.
func (s *SQLite) RecordTask(ctx context.Context, task tasks.Task) error {
	at := task.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	err := execWithRetry(ctx, s.db,
		`INSERT INTO task_events (task_id, type, priority, status, device_id, error, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Type), int(task.Priority), string(task.Status),
		nullableString(task.DeviceID), nullableString(task.Error), at.UnixMilli(),
	)
	return errors.Wrapf(err, "recorder: append task event %s", task.ID)
}

// TaskHistory returns the transitions of taskID, oldest first.
func (s *SQLite) TaskHistory(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, type, priority, status, device_id, error, at FROM task_events WHERE task_id = ? ORDER BY id`,
		taskID)
	if err != nil {
		return nil, errors.Wrap(err, "recorder: query task history")
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var (
			ev       TaskEvent
			status   string
			deviceID sql.NullString
			errMsg   sql.NullString
			at       int64
		)
		if err := rows.Scan(&ev.TaskID, &ev.Type, &ev.Priority, &status, &deviceID, &errMsg, &at); err != nil {
			return nil, errors.Wrap(err, "recorder: scan task event")
		}
		ev.Status = tasks.Status(status)
		ev.DeviceID = deviceID.String
		ev.Error = errMsg.String
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "recorder: iterate task history")
}

// KnownAddresses lists recorded WiFi/LAN devices.
func (s *SQLite) KnownAddresses(ctx context.Context) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, transport, COALESCE(model, ''), COALESCE(citizen_id, '') FROM devices WHERE transport IN (?, ?) ORDER BY address`,
		string(device.TransportWiFi), string(device.TransportLAN))
	if err != nil {
		return nil, errors.Wrap(err, "recorder: query known devices")
	}
	defer rows.Close()
	var out []device.Device
	for rows.Next() {
		var (
			dev       device.Device
			transport string
		)
		if err := rows.Scan(&dev.Address, &transport, &dev.Model, &dev.CitizenID); err != nil {
			return nil, errors.Wrap(err, "recorder: scan known device")
		}
		dev.Transport = device.Transport(transport)
		out = append(out, dev)
	}
	return out, errors.Wrap(rows.Err(), "recorder: iterate known devices")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return errors.Wrap(s.db.Close(), "recorder: close sqlite")
}

func execWithRetry(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(attempt+1) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func nullableString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

func unixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
