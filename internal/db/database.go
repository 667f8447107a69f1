package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/presence/internal/logging"
)

// sqlite CURRENT_TIMESTAMP layout, always UTC
const timestampLayout = "2006-01-02 15:04:05"

// Registry of rooms that have been used. Presence itself is never stored.
type Database struct {
	db  *sql.DB
	log hclog.Logger
}

type Room struct {
	ID           string    `json:"id"`
	TotalJoins   int       `json:"total_joins"`
	PeakUsers    int       `json:"peak_users"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type Stats struct {
	RoomCount  int `json:"room_count"`
	TotalJoins int `json:"total_joins"`
}

func New(dbPath string, logger hclog.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log := logging.OrNull(logger)
	log.Info("database initialized", "path", dbPath)
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		total_joins INTEGER NOT NULL DEFAULT 0,
		peak_users INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_active_at ON rooms(last_active_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// RecordJoin counts one join against roomID, creating the row on first use,
// and raises the peak when users exceeds it.
func (d *Database) RecordJoin(roomID string, users int) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, total_joins, peak_users)
		VALUES (?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_joins = total_joins + 1,
			peak_users = MAX(peak_users, excluded.peak_users),
			last_active_at = CURRENT_TIMESTAMP
	`, roomID, users)
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, total_joins, peak_users, created_at, last_active_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.TotalJoins, &room.PeakUsers, &room.CreatedAt, &room.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, total_joins, peak_users, created_at, last_active_at FROM rooms ORDER BY last_active_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.TotalJoins, &room.PeakUsers, &room.CreatedAt, &room.LastActiveAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) DeleteRoom(id string) (bool, error) {
	result, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// DeleteStaleRooms removes rooms not joined since cutoff, except those in
// keep, and returns how many were removed.
func (d *Database) DeleteStaleRooms(cutoff time.Time, keep []string) (int, error) {
	query := "DELETE FROM rooms WHERE last_active_at < ?"
	args := []any{cutoff.UTC().Format(timestampLayout)}
	if len(keep) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}

	result, err := d.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (d *Database) GetStats() (Stats, error) {
	var stats Stats
	err := d.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(total_joins), 0) FROM rooms").
		Scan(&stats.RoomCount, &stats.TotalJoins)
	return stats, err
}
