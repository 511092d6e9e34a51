package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLiteStore persists room settings in a SQLite database with WAL mode
// for concurrent access.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a settings database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS room_settings (
		room_id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		only_trusted_devices INTEGER NOT NULL DEFAULT 0,
		rotation_period_seconds INTEGER NOT NULL,
		rotation_period_messages INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS store_meta (key TEXT PRIMARY KEY, value TEXT);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO store_meta (key, value) VALUES ('schema_version', ?);",
		fmt.Sprint(schemaVersion),
	); err != nil {
		return fmt.Errorf("store schema version: %w", err)
	}
	return nil
}

// RoomSettings returns the stored settings for a room, or nil when none
// exist.
func (s *SQLiteStore) RoomSettings(ctx context.Context, roomID string) (*RoomSettings, error) {
	var rs RoomSettings
	var onlyTrusted int
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, algorithm, only_trusted_devices,
		       rotation_period_seconds, rotation_period_messages
		FROM room_settings WHERE room_id = ?
	`, roomID).Scan(
		&rs.RoomID, &rs.Algorithm, &onlyTrusted,
		&rs.RotationPeriodSeconds, &rs.RotationPeriodMessages,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query room settings: %w", err)
	}
	rs.OnlyAllowTrustedDevices = onlyTrusted != 0
	return &rs, nil
}

// SetRoomSettings stores or replaces a room's settings.
func (s *SQLiteStore) SetRoomSettings(ctx context.Context, settings RoomSettings) error {
	if settings.RoomID == "" {
		return fmt.Errorf("room id is required")
	}

	onlyTrusted := 0
	if settings.OnlyAllowTrustedDevices {
		onlyTrusted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO room_settings (
			room_id, algorithm, only_trusted_devices,
			rotation_period_seconds, rotation_period_messages
		) VALUES (?, ?, ?, ?, ?)
	`, settings.RoomID, settings.Algorithm, onlyTrusted,
		settings.RotationPeriodSeconds, settings.RotationPeriodMessages)
	if err != nil {
		return fmt.Errorf("store room settings for %s: %w", settings.RoomID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
