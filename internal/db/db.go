package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS usage_snapshots (
			id                  INTEGER PRIMARY KEY,
			tick_id             TEXT NOT NULL DEFAULT '',
			ts_ms               INTEGER NOT NULL,
			five_hour_util      REAL NOT NULL,
			five_hour_resets_at INTEGER NOT NULL DEFAULT 0,
			seven_day_util      REAL NOT NULL,
			seven_day_resets_at INTEGER NOT NULL DEFAULT 0,
			extra_enabled       INTEGER NOT NULL DEFAULT 0,
			extra_used          REAL NOT NULL DEFAULT 0,
			extra_limit         REAL NOT NULL DEFAULT 0,
			plan                TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create usage_snapshots: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_snapshots_ts ON usage_snapshots(ts_ms DESC)`); err != nil {
		return fmt.Errorf("index usage_snapshots: %w", err)
	}
	return nil
}

func (d *DB) InsertUsageSnapshot(s UsageSnapshot) error {
	_, err := d.sql.Exec(`
		INSERT INTO usage_snapshots (
			tick_id, ts_ms,
			five_hour_util, five_hour_resets_at,
			seven_day_util, seven_day_resets_at,
			extra_enabled, extra_used, extra_limit, plan
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.TickID, s.TsMs,
		s.FiveHourUtil, s.FiveHourResetsAt,
		s.SevenDayUtil, s.SevenDayResetsAt,
		boolToInt(s.ExtraEnabled), s.ExtraUsed, s.ExtraLimit, s.Plan,
	)
	return err
}

const snapshotColumns = `id, tick_id, ts_ms,
	five_hour_util, five_hour_resets_at,
	seven_day_util, seven_day_resets_at,
	extra_enabled, extra_used, extra_limit, plan`

// GetLatestUsageSnapshot returns the newest row, or nil when the table is
// empty.
func (d *DB) GetLatestUsageSnapshot() (*UsageSnapshot, error) {
	row := d.sql.QueryRow(`SELECT ` + snapshotColumns + ` FROM usage_snapshots ORDER BY ts_ms DESC, id DESC LIMIT 1`)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetUsageSnapshots returns up to limit rows, newest first.
func (d *DB) GetUsageSnapshots(limit int) ([]UsageSnapshot, error) {
	rows, err := d.sql.Query(`SELECT `+snapshotColumns+` FROM usage_snapshots ORDER BY ts_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// PruneUsageSnapshots deletes rows older than before and returns how many
// were removed.
func (d *DB) PruneUsageSnapshots(before time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM usage_snapshots WHERE ts_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*UsageSnapshot, error) {
	var s UsageSnapshot
	var extra int
	err := row.Scan(
		&s.ID, &s.TickID, &s.TsMs,
		&s.FiveHourUtil, &s.FiveHourResetsAt,
		&s.SevenDayUtil, &s.SevenDayResetsAt,
		&extra, &s.ExtraUsed, &s.ExtraLimit, &s.Plan,
	)
	if err != nil {
		return nil, err
	}
	s.ExtraEnabled = extra == 1
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Touch records the time of the last successful fetch.
func (d *DB) Touch(t time.Time) error {
	return d.SetMeta("last_fetch", fmt.Sprintf("%d", t.UnixMilli()))
}

// LastFetch returns the time recorded by Touch, or the zero time.
func (d *DB) LastFetch() time.Time {
	v, _ := d.GetMeta("last_fetch")
	if v == "" {
		return time.Time{}
	}
	var ts int64
	fmt.Sscanf(v, "%d", &ts)
	return time.UnixMilli(ts)
}

const pollStatusKey = "poll_status"

func (d *DB) SetPollStatus(s PollStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return d.SetMeta(pollStatusKey, string(data))
}

// GetPollStatus returns the status stored by SetPollStatus, or the zero value
// when none has been stored.
func (d *DB) GetPollStatus() (PollStatus, error) {
	var s PollStatus
	v, err := d.GetMeta(pollStatusKey)
	if err != nil || v == "" {
		return s, err
	}
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return PollStatus{}, fmt.Errorf("decode poll status: %w", err)
	}
	return s, nil
}
