package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DefaultTable holds checkpoints when no table name is configured.
const DefaultTable = "ingest_checkpoints"

// PostgresStore upserts one row per instance.
type PostgresStore struct {
	db    *sqlx.DB
	table string
	name  string
}

type checkpointRow struct {
	Instance   string         `db:"instance"`
	Unit       string         `db:"unit"`
	UnitOffset int64          `db:"unit_offset"`
	Watermark  sql.NullTime   `db:"watermark"`
	Seen       sql.NullString `db:"seen"`
	NextSeq    int64          `db:"next_seq"`
	RunID      sql.NullString `db:"run_id"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// ConnectPostgres opens a pgx backed pool.
func ConnectPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func NewPostgresStore(db *sqlx.DB, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table), name: "postgres://" + table}
}

func (s *PostgresStore) Name() string { return s.name }

// EnsureSchema creates the checkpoint table when missing and adds columns that
// older tables lack.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			instance    TEXT PRIMARY KEY,
			unit        TEXT NOT NULL,
			unit_offset BIGINT NOT NULL,
			watermark   TIMESTAMPTZ,
			seen        TEXT,
			next_seq    BIGINT NOT NULL,
			run_id      TEXT,
			updated_at  TIMESTAMPTZ NOT NULL
		);
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS watermark TIMESTAMPTZ;
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS seen TEXT;`, s.table))
	if err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, instance string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(`
		SELECT instance, unit, unit_offset, watermark, seen, next_seq, run_id, updated_at
		FROM %s WHERE instance = $1`, s.table), instance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	cp := &Checkpoint{
		Instance:  row.Instance,
		NextSeq:   row.NextSeq,
		RunID:     row.RunID.String,
		UpdatedAt: row.UpdatedAt,
	}
	cp.Position.Unit = row.Unit
	cp.Position.Offset = row.UnitOffset
	if row.Watermark.Valid {
		cp.Watermark = row.Watermark.Time.UTC()
	}
	if row.Seen.Valid && row.Seen.String != "" {
		if err := json.Unmarshal([]byte(row.Seen.String), &cp.Seen); err != nil {
			return nil, fmt.Errorf("decode seen units of %s: %w", instance, err)
		}
	}
	return cp, nil
}

func (s *PostgresStore) Save(ctx context.Context, cp Checkpoint) error {
	var seen sql.NullString
	if len(cp.Seen) > 0 {
		data, err := json.Marshal(cp.Seen)
		if err != nil {
			return fmt.Errorf("encode seen units: %w", err)
		}
		seen = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (instance, unit, unit_offset, watermark, seen, next_seq, run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instance) DO UPDATE SET
			unit = EXCLUDED.unit,
			unit_offset = EXCLUDED.unit_offset,
			watermark = EXCLUDED.watermark,
			seen = EXCLUDED.seen,
			next_seq = EXCLUDED.next_seq,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at`, s.table),
		cp.Instance,
		cp.Position.Unit,
		cp.Position.Offset,
		sql.NullTime{Time: cp.Watermark, Valid: !cp.Watermark.IsZero()},
		seen,
		cp.NextSeq,
		sql.NullString{String: cp.RunID, Valid: cp.RunID != ""},
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, instance string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance = $1`, s.table), instance); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
