package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ScanRow is one row of the scans table. Timestamps are unix microseconds.
type ScanRow struct {
	ID        string
	Input     *string
	Output    *string
	Scans     map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// ErrScanVanished is returned when the row created at the start of
// UpsertScan cannot be read back inside the same transaction.
var ErrScanVanished = errors.New("scan row vanished inside transaction")

// UpsertScan creates the row for id if absent, sets column ("input" or
// "output") to text and replaces the scans tree with merge(existing). All
// of it runs in one transaction; the leading INSERT takes the write lock so
// concurrent writers for the same id queue behind each other.
func UpsertScan(ctx context.Context, d *sql.DB, id, column, text string, now int64, merge func(map[string]any) map[string]any) (*ScanRow, error) {
	if column != "input" && column != "output" {
		return nil, fmt.Errorf("unknown scan column %q", column)
	}

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (scan_id, input, output, scans, created_at, updated_at)
		VALUES (?, NULL, NULL, '{}', ?, ?)
		ON CONFLICT (scan_id) DO NOTHING
	`, id, now, now)
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	row, err := scanRow(tx.QueryRowContext(ctx, selectScan+" WHERE scan_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScanVanished
	}
	if err != nil {
		return nil, err
	}

	row.Scans = merge(row.Scans)
	encoded, err := json.Marshal(row.Scans)
	if err != nil {
		return nil, fmt.Errorf("encode scans: %w", err)
	}

	// column is one of two literals checked above.
	_, err = tx.ExecContext(ctx,
		"UPDATE scans SET "+column+" = ?, scans = ?, updated_at = ? WHERE scan_id = ?",
		text, string(encoded), now, id)
	if err != nil {
		return nil, fmt.Errorf("update scan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	t := text
	if column == "input" {
		row.Input = &t
	} else {
		row.Output = &t
	}
	row.UpdatedAt = now
	return row, nil
}

// GetScan returns nil, nil when id is unknown.
func GetScan(ctx context.Context, d *sql.DB, id string) (*ScanRow, error) {
	row, err := scanRow(d.QueryRowContext(ctx, selectScan+" WHERE scan_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

// ListScans returns up to limit rows ordered by (created_at, scan_id)
// descending. With afterID set, only rows strictly after (afterCreated,
// afterID) in that order are returned.
func ListScans(ctx context.Context, d *sql.DB, afterCreated int64, afterID string, limit int) ([]ScanRow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if afterID == "" {
		rows, err = d.QueryContext(ctx,
			selectScan+" ORDER BY created_at DESC, scan_id DESC LIMIT ?", limit)
	} else {
		rows, err = d.QueryContext(ctx, selectScan+`
			WHERE created_at < ? OR (created_at = ? AND scan_id < ?)
			ORDER BY created_at DESC, scan_id DESC LIMIT ?`,
			afterCreated, afterCreated, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScanRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return out, nil
}

const selectScan = "SELECT scan_id, input, output, scans, created_at, updated_at FROM scans"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner) (*ScanRow, error) {
	var (
		row   ScanRow
		in    sql.NullString
		out   sql.NullString
		scans string
	)
	if err := s.Scan(&row.ID, &in, &out, &scans, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, err
	}
	if in.Valid {
		row.Input = &in.String
	}
	if out.Valid {
		row.Output = &out.String
	}
	row.Scans = map[string]any{}
	if scans != "" {
		if err := json.Unmarshal([]byte(scans), &row.Scans); err != nil {
			return nil, fmt.Errorf("decode scans for %s: %w", row.ID, err)
		}
	}
	return &row, nil
}
