package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

// PostgresStore keeps records in a postgres table. Concurrent writers for
// one id serialize on the row lock taken by SELECT ... FOR UPDATE.
type PostgresStore struct {
	db   *sql.DB
	opts options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	if err := MigratePostgres(dsn, "up", 0); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(8)
	d.SetMaxIdleConns(8)
	d.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.PingContext(pingCtx); err != nil {
		_ = d.Close()
		return nil, err
	}

	return &PostgresStore{db: d, opts: buildOptions(opts)}, nil
}

// MigratePostgres runs the embedded schema migrations against dsn.
// direction is "up" or "down"; steps > 0 limits how many are applied.
func MigratePostgres(dsn, direction string, steps int) error {
	src, err := iofs.New(pgMigrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func (s *PostgresStore) Store(ctx context.Context, id, textType, text string, scans map[string]any) (*Record, error) {
	if err := checkTextType(textType); err != nil {
		return nil, err
	}
	now := s.opts.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scans (scan_id, input, output, scans, created_at, updated_at)
		VALUES ($1, NULL, NULL, '{}'::jsonb, $2, $2)
		ON CONFLICT (scan_id) DO NOTHING
	`, id, now)
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}

	r, err := scanPGRecord(tx.QueryRowContext(ctx, pgSelect+" WHERE scan_id = $1 FOR UPDATE", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoreRace
	}
	if err != nil {
		return nil, err
	}

	r.Scans = DeepMerge(r.Scans, scans)
	encoded, err := json.Marshal(r.Scans)
	if err != nil {
		return nil, fmt.Errorf("encode scans: %w", err)
	}

	t := text
	query := `UPDATE scans SET input = $2, scans = $3::jsonb, updated_at = $4 WHERE scan_id = $1`
	if textType == TextOutput {
		query = `UPDATE scans SET output = $2, scans = $3::jsonb, updated_at = $4 WHERE scan_id = $1`
		r.Output = &t
	} else {
		r.Input = &t
	}
	if _, err := tx.ExecContext(ctx, query, id, text, string(encoded), now); err != nil {
		return nil, fmt.Errorf("update scan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.UpdatedAt = now
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanPGRecord(s.db.QueryRowContext(ctx, pgSelect+" WHERE scan_id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context, cur string, limit int) (*Page, error) {
	limit = normalizeLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if cur == "" {
		rows, err = s.db.QueryContext(ctx,
			pgSelect+" ORDER BY created_at DESC, scan_id DESC LIMIT $1", limit+1)
	} else {
		at, id, derr := DecodeCursor(cur)
		if derr != nil {
			return nil, derr
		}
		rows, err = s.db.QueryContext(ctx, pgSelect+`
			WHERE created_at < $1 OR (created_at = $1 AND scan_id < $2)
			ORDER BY created_at DESC, scan_id DESC LIMIT $3`, at, id, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0, limit+1)
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return finishPage(records, limit), nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

const pgSelect = "SELECT scan_id, input, output, scans, created_at, updated_at FROM scans"

func scanPGRecord(s interface{ Scan(...any) error }) (*Record, error) {
	var (
		r     Record
		in    sql.NullString
		out   sql.NullString
		scans []byte
	)
	if err := s.Scan(&r.ID, &in, &out, &scans, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if in.Valid {
		r.Input = &in.String
	}
	if out.Valid {
		r.Output = &out.String
	}
	r.Scans = map[string]any{}
	if len(scans) > 0 {
		if err := json.Unmarshal(scans, &r.Scans); err != nil {
			return nil, fmt.Errorf("decode scans for %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}
