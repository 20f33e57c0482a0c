package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rsclarke/mcpgate/internal/db"
)

// SQLiteStore keeps records in the gateway's sqlite database.
type SQLiteStore struct {
	db   *sql.DB
	own  bool
	opts options
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: d, own: true, opts: buildOptions(opts)}, nil
}

// NewSQLiteStoreWithDB uses an already opened database. Close leaves it open.
func NewSQLiteStoreWithDB(d *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: d, opts: buildOptions(opts)}
}

func (s *SQLiteStore) Store(ctx context.Context, id, textType, text string, scans map[string]any) (*Record, error) {
	if err := checkTextType(textType); err != nil {
		return nil, err
	}
	now := s.opts.timestamp().UnixMicro()
	row, err := db.UpsertScan(ctx, s.db, id, textType, text, now, func(existing map[string]any) map[string]any {
		return DeepMerge(existing, scans)
	})
	if errors.Is(err, db.ErrScanVanished) {
		return nil, ErrStoreRace
	}
	if err != nil {
		return nil, err
	}
	r := fromRow(row)
	return &r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row, err := db.GetScan(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	r := fromRow(row)
	return &r, nil
}

func (s *SQLiteStore) List(ctx context.Context, cur string, limit int) (*Page, error) {
	limit = normalizeLimit(limit)

	var (
		afterAt int64
		afterID string
	)
	if cur != "" {
		at, id, err := DecodeCursor(cur)
		if err != nil {
			return nil, err
		}
		afterAt, afterID = at.UnixMicro(), id
	}

	rows, err := db.ListScans(ctx, s.db, afterAt, afterID, limit+1)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for i := range rows {
		records = append(records, fromRow(&rows[i]))
	}
	return finishPage(records, limit), nil
}

func (s *SQLiteStore) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so other components can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func fromRow(row *db.ScanRow) Record {
	return Record{
		ID:        row.ID,
		Input:     row.Input,
		Output:    row.Output,
		Scans:     row.Scans,
		CreatedAt: time.UnixMicro(row.CreatedAt).UTC(),
		UpdatedAt: time.UnixMicro(row.UpdatedAt).UTC(),
	}
}
