package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cync-lan/cync-lan/internal/device"
)

// historySchema holds one row per observed device transition. Rows are
// pruned by Sweep; the table is diagnostics, not a source of truth.
const historySchema = `
CREATE TABLE IF NOT EXISTS state_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   INTEGER NOT NULL,
	online      INTEGER NOT NULL,
	power       TEXT NOT NULL,
	brightness  INTEGER NOT NULL,
	color_temp  INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_history_device
	ON state_history(device_id, recorded_at);
`

// HistoryStore persists device state transitions to SQLite. It
// implements device.HistoryRecorder.
//
// Thread Safety: safe for concurrent use; the underlying pool is
// limited to a single connection.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates the state_history schema if needed and
// returns a store writing to db.
func NewHistoryStore(db *DB) (*HistoryStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		return nil, fmt.Errorf("creating state_history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// RecordState appends one transition row.
func (h *HistoryStore) RecordState(deviceID int, s device.State, online bool) error {
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := h.db.Exec(
		`INSERT INTO state_history (device_id, online, power, brightness, color_temp, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		deviceID, onlineInt, string(s.Power), s.Brightness, s.ColorTempK,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	DeviceID   int
	Online     bool
	Power      string
	Brightness int
	ColorTempK int
	RecordedAt time.Time
}

// Recent returns the latest entries for a device, newest first.
func (h *HistoryStore) Recent(ctx context.Context, deviceID, limit int) ([]HistoryEntry, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT device_id, online, power, brightness, color_temp, recorded_at
		 FROM state_history WHERE device_id = ?
		 ORDER BY id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var online int
		var recordedAt string
		if err := rows.Scan(&e.DeviceID, &online, &e.Power, &e.Brightness, &e.ColorTempK, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning state history row: %w", err)
		}
		e.Online = online != 0
		e.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt) //nolint:errcheck // Format is controlled
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return out, nil
}

// Sweep deletes entries older than the retention window. Returns the
// number of rows removed.
func (h *HistoryStore) Sweep(ctx context.Context, retain time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retain).Format(time.RFC3339)
	res, err := h.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping state history: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // SQLite always reports
	return n, nil
}
