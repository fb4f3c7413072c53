package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ossrs/go-oryx-lib/errors"
	_ "modernc.org/sqlite"
)

// ButtonKind is the closed set of rate-limited user actions.
type ButtonKind string

const (
	ButtonRecord ButtonKind = "record"
	ButtonSend   ButtonKind = "send"
	ButtonRead   ButtonKind = "read"
)

func parseButton(s string) (ButtonKind, error) {
	switch ButtonKind(s) {
	case ButtonRecord, ButtonSend, ButtonRead:
		return ButtonKind(s), nil
	}
	return "", errors.Errorf("invalid button type %v", s)
}

// column maps the button to its counter column. The switch keeps the set
// closed, so no free-form string ever reaches a SQL statement.
func (v ButtonKind) column() string {
	switch v {
	case ButtonRecord:
		return "record_button_count"
	case ButtonSend:
		return "send_button_count"
	case ButtonRead:
		return "read_button_count"
	}
	panic(fmt.Sprintf("unknown button %v", string(v)))
}

// VisitorRecord is one row of visitor_stats, identifying a unique
// (ip address, device fingerprint) pair and its counters.
type VisitorRecord struct {
	ID                string
	IPAddress         string
	DeviceInfo        string
	VisitCount        int
	RecordButtonCount int
	SendButtonCount   int
	ReadButtonCount   int
	FirstVisitTime    time.Time
	LastVisitTime     time.Time
}

func (v *VisitorRecord) ButtonCount(button ButtonKind) int {
	switch button {
	case ButtonRecord:
		return v.RecordButtonCount
	case ButtonSend:
		return v.SendButtonCount
	case ButtonRead:
		return v.ReadButtonCount
	}
	return 0
}

// UsageStats are the aggregate counters served by /stats.
type UsageStats struct {
	TotalVisitors   int `json:"total_visitors"`
	TotalVisits     int `json:"total_visits"`
	TotalRecordUses int `json:"total_record_uses"`
	TotalSendUses   int `json:"total_send_uses"`
	TotalReadUses   int `json:"total_read_uses"`
}

// checkQuota decides whether another use is allowed given the stored count
// and the configured ceiling. Pure, no side effects. Note that increments
// are unconditional; only this check enforces the policy.
func checkQuota(count, ceiling int) (allowed bool, remaining int) {
	remaining = ceiling - count
	if remaining < 0 {
		remaining = 0
	}
	return count < ceiling, remaining
}

// VisitorStore persists visitor records in a local SQLite database. All
// operations are single-row point lookups or updates on the unique
// (ip_address, device_info) key. Failures wrap ErrStoreUnavailable; callers
// are expected to degrade to safe defaults instead of failing the request.
type VisitorStore struct {
	db *sql.DB
}

func NewVisitorStore(dbURL string) (*VisitorStore, error) {
	db, err := sql.Open("sqlite", dbURL)
	if err != nil {
		return nil, errors.Wrapf(err, "open db %v", dbURL)
	}

	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(err, "ping db %v", dbURL)
	}

	query := `
	CREATE TABLE IF NOT EXISTS visitor_stats (
		id TEXT PRIMARY KEY,
		ip_address TEXT NOT NULL,
		device_info TEXT NOT NULL,
		visit_count INTEGER NOT NULL DEFAULT 1,
		record_button_count INTEGER NOT NULL DEFAULT 0,
		send_button_count INTEGER NOT NULL DEFAULT 0,
		read_button_count INTEGER NOT NULL DEFAULT 0,
		first_visit_time DATETIME NOT NULL,
		last_visit_time DATETIME NOT NULL,
		UNIQUE(ip_address, device_info)
	);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, errors.Wrapf(err, "migrate db %v", dbURL)
	}

	return &VisitorStore{db: db}, nil
}

func (v *VisitorStore) Close() error {
	return v.db.Close()
}

// UpsertVisit creates the record on first sight with visit_count 1, or bumps
// visit_count and last_visit_time otherwise. The upsert is a single
// statement, so concurrent requests from the same visitor never produce a
// duplicate row or a lost update.
func (v *VisitorStore) UpsertVisit(ctx context.Context, ipAddress, deviceInfo string) (*VisitorRecord, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `
	INSERT INTO visitor_stats (id, ip_address, device_info, visit_count, first_visit_time, last_visit_time)
	VALUES (?, ?, ?, 1, ?, ?)
	ON CONFLICT(ip_address, device_info) DO UPDATE SET
		visit_count = visit_count + 1,
		last_visit_time = excluded.last_visit_time
	`
	if _, err := v.db.ExecContext(ctx, query, uuid.NewString(), ipAddress, deviceInfo, now, now); err != nil {
		return nil, fmt.Errorf("%w: upsert visit: %v", ErrStoreUnavailable, err)
	}

	record, err := v.lookup(ctx, ipAddress, deviceInfo)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: upserted row vanished", ErrStoreUnavailable)
	}
	return record, nil
}

// IncrementButton bumps the button counter for an existing record. When no
// record exists for the pair it is a no-op returning nil, never a create.
func (v *VisitorStore) IncrementButton(ctx context.Context, ipAddress, deviceInfo string, button ButtonKind) (*VisitorRecord, error) {
	query := fmt.Sprintf(`
	UPDATE visitor_stats SET %v = %v + 1
	WHERE ip_address = ? AND device_info = ?
	`, button.column(), button.column())

	res, err := v.db.ExecContext(ctx, query, ipAddress, deviceInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: increment %v: %v", ErrStoreUnavailable, button, err)
	}

	if nn, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("%w: increment %v: %v", ErrStoreUnavailable, button, err)
	} else if nn == 0 {
		return nil, nil
	}

	return v.lookup(ctx, ipAddress, deviceInfo)
}

// GetButtonCount reads a single counter. ok is false when no record exists.
func (v *VisitorStore) GetButtonCount(ctx context.Context, ipAddress, deviceInfo string, button ButtonKind) (count int, ok bool, err error) {
	query := fmt.Sprintf(`SELECT %v FROM visitor_stats WHERE ip_address = ? AND device_info = ?`, button.column())

	if err := v.db.QueryRowContext(ctx, query, ipAddress, deviceInfo).Scan(&count); err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("%w: get %v count: %v", ErrStoreUnavailable, button, err)
	}
	return count, true, nil
}

func (v *VisitorStore) TotalVisitors(ctx context.Context) (int, error) {
	var count int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visitor_stats`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: total visitors: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

// AggregateUsage sums the counters across all records. Fields are zero on an
// empty store.
func (v *VisitorStore) AggregateUsage(ctx context.Context) (*UsageStats, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(visit_count), 0),
		COALESCE(SUM(record_button_count), 0),
		COALESCE(SUM(send_button_count), 0),
		COALESCE(SUM(read_button_count), 0)
	FROM visitor_stats
	`

	var stats UsageStats
	if err := v.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalVisitors, &stats.TotalVisits,
		&stats.TotalRecordUses, &stats.TotalSendUses, &stats.TotalReadUses,
	); err != nil {
		return nil, fmt.Errorf("%w: aggregate usage: %v", ErrStoreUnavailable, err)
	}
	return &stats, nil
}

func (v *VisitorStore) lookup(ctx context.Context, ipAddress, deviceInfo string) (*VisitorRecord, error) {
	query := `
	SELECT id, ip_address, device_info, visit_count,
		record_button_count, send_button_count, read_button_count,
		first_visit_time, last_visit_time
	FROM visitor_stats WHERE ip_address = ? AND device_info = ?
	`

	var record VisitorRecord
	var firstVisit, lastVisit string
	err := v.db.QueryRowContext(ctx, query, ipAddress, deviceInfo).Scan(
		&record.ID, &record.IPAddress, &record.DeviceInfo, &record.VisitCount,
		&record.RecordButtonCount, &record.SendButtonCount, &record.ReadButtonCount,
		&firstVisit, &lastVisit,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup visitor: %v", ErrStoreUnavailable, err)
	}

	if record.FirstVisitTime, err = time.Parse(time.RFC3339Nano, firstVisit); err != nil {
		return nil, fmt.Errorf("%w: parse first_visit_time %v: %v", ErrStoreUnavailable, firstVisit, err)
	}
	if record.LastVisitTime, err = time.Parse(time.RFC3339Nano, lastVisit); err != nil {
		return nil, fmt.Errorf("%w: parse last_visit_time %v: %v", ErrStoreUnavailable, lastVisit, err)
	}
	return &record, nil
}
