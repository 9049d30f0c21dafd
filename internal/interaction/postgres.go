package interaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists interactions in PostgreSQL.
type PostgresStore struct {
	*changeHub

	pool *pgxpool.Pool
	opts options
}

func NewPostgresStore(ctx context.Context, databaseURL string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fault("schema", fmt.Errorf("connect postgres: %w", err))
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		changeHub: newChangeHub(),
		pool:      pool,
		opts:      buildOptions(opts),
	}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_interactions (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			request_text TEXT,
			request_image_ref TEXT,
			response_text TEXT NOT NULL DEFAULT '',
			is_pending BOOLEAN NOT NULL DEFAULT TRUE,
			outcome TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_created ON chat_interactions (created_at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_pending ON chat_interactions (is_pending) WHERE is_pending;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fault("schema", fmt.Errorf("init schema failed on %q: %w", stmt, err))
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_interactions (created_at, request_text, request_image_ref, response_text, is_pending)
		 VALUES ($1, $2, $3, '', TRUE) RETURNING id`,
		s.opts.now(),
		nullableText(req.Text),
		nullableText(req.ImageRef),
	).Scan(&id)
	if err != nil {
		return 0, fault("insert", err)
	}
	s.publish()
	return id, nil
}

func (s *PostgresStore) UpdateResponse(ctx context.Context, id int64, text string, pending bool) error {
	return s.write(ctx, id, text, pending, outcomeFor(pending), "")
}

func (s *PostgresStore) Finalize(ctx context.Context, id int64, text string, outcome Outcome, detail string) error {
	return s.write(ctx, id, text, false, outcome, detail)
}

func (s *PostgresStore) write(ctx context.Context, id int64, text string, pending bool, outcome Outcome, detail string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fault("update", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current bool
	err = tx.QueryRow(ctx, `SELECT is_pending FROM chat_interactions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fault("update", err)
	}
	if !current {
		return ErrFinalized
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_interactions SET response_text = $2, is_pending = $3, outcome = $4, error_detail = $5 WHERE id = $1`,
		id, text, pending, string(outcome), detail,
	); err != nil {
		return fault("update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fault("update", fmt.Errorf("commit: %w", err))
	}
	s.publish()
	return nil
}

const pgSelectColumns = `SELECT id, created_at, COALESCE(request_text, ''), COALESCE(request_image_ref, ''), response_text, is_pending, outcome, error_detail FROM chat_interactions`

func (s *PostgresStore) Get(ctx context.Context, id int64) (Interaction, error) {
	rec, err := scanPostgres(s.pool.QueryRow(ctx, pgSelectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, fault("get", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Interaction, error) {
	return s.query(ctx, pgSelectColumns+` ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Interaction, error) {
	return s.query(ctx, pgSelectColumns+` WHERE is_pending ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Interaction, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fault("list", err)
	}
	defer rows.Close()

	var items []Interaction
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fault("list", fmt.Errorf("scan row: %w", err))
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("list", fmt.Errorf("iterate rows: %w", err))
	}
	return items, nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_interactions WHERE id = $1`, id)
	if err != nil {
		return fault("delete", err)
	}
	if tag.RowsAffected() > 0 {
		s.publish()
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_interactions`); err != nil {
		return fault("delete", err)
	}
	s.publish()
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (Interaction, error) {
	var (
		rec     Interaction
		outcome string
	)
	err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.RequestText, &rec.RequestImageRef, &rec.ResponseText, &rec.Pending, &outcome, &rec.ErrorDetail)
	if err != nil {
		return Interaction{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

func nullableText(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
