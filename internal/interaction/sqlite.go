package interaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteSchemaVersion is stored in PRAGMA user_version. A database carrying a
// different non-zero version is wiped and recreated; there are no migrations.
const sqliteSchemaVersion = 2

// SQLiteStore persists interactions in an embedded SQLite database.
type SQLiteStore struct {
	*changeHub

	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (creating if needed) the database at path. path is a
// filesystem path or a "file:" URI; use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if file := sqliteFilePath(path); file != "" {
		if dir := filepath.Dir(file); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fault("schema", fmt.Errorf("create database dir: %w", err))
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault("schema", fmt.Errorf("open sqlite: %w", err))
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault("schema", fmt.Errorf("ping sqlite: %w", err))
	}
	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		changeHub: newChangeHub(),
		db:        db,
		opts:      buildOptions(opts),
	}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fault("schema", fmt.Errorf("read user_version: %w", err))
	}

	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
	}
	if version != 0 && version != sqliteSchemaVersion {
		stmts = append(stmts, `DROP TABLE IF EXISTS chat_interactions;`)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS chat_interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_ms INTEGER NOT NULL,
			request_text TEXT,
			request_image_ref TEXT,
			response_text TEXT NOT NULL DEFAULT '',
			is_pending INTEGER NOT NULL DEFAULT 1,
			outcome TEXT NOT NULL DEFAULT '',
			error_detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_created ON chat_interactions (created_at_ms DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_pending ON chat_interactions (is_pending);`,
		fmt.Sprintf(`PRAGMA user_version = %d;`, sqliteSchemaVersion),
	)

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fault("schema", fmt.Errorf("init schema failed on %q: %w", stmt, err))
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, req Request) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_interactions (created_at_ms, request_text, request_image_ref, response_text, is_pending)
		 VALUES (?, ?, ?, '', 1)`,
		s.opts.now().UnixMilli(),
		nullString(req.Text),
		nullString(req.ImageRef),
	)
	if err != nil {
		return 0, fault("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fault("insert", err)
	}
	s.publish()
	return id, nil
}

func (s *SQLiteStore) UpdateResponse(ctx context.Context, id int64, text string, pending bool) error {
	return s.write(ctx, id, text, pending, outcomeFor(pending), "")
}

func (s *SQLiteStore) Finalize(ctx context.Context, id int64, text string, outcome Outcome, detail string) error {
	return s.write(ctx, id, text, false, outcome, detail)
}

func (s *SQLiteStore) write(ctx context.Context, id int64, text string, pending bool, outcome Outcome, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault("update", fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_interactions SET response_text = ?, is_pending = ?, outcome = ?, error_detail = ?
		 WHERE id = ? AND is_pending = 1`,
		text, boolToInt(pending), string(outcome), detail, id,
	)
	if err != nil {
		return fault("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault("update", err)
	}
	if n == 0 {
		var existing int
		err := tx.QueryRowContext(ctx, `SELECT is_pending FROM chat_interactions WHERE id = ?`, id).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fault("update", err)
		}
		return ErrFinalized
	}
	if err := tx.Commit(); err != nil {
		return fault("update", fmt.Errorf("commit: %w", err))
	}
	s.publish()
	return nil
}

const sqliteSelectColumns = `SELECT id, created_at_ms, request_text, request_image_ref, response_text, is_pending, outcome, error_detail FROM chat_interactions`

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Interaction, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectColumns+` WHERE id = ?`, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, fault("get", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Interaction, error) {
	return s.query(ctx, sqliteSelectColumns+` ORDER BY created_at_ms DESC, id DESC`)
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]Interaction, error) {
	return s.query(ctx, sqliteSelectColumns+` WHERE is_pending = 1 ORDER BY created_at_ms DESC, id DESC`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fault("list", err)
	}
	defer rows.Close()

	var items []Interaction
	for rows.Next() {
		rec, err := scanSQLite(rows)
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

func (s *SQLiteStore) DeleteByID(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_interactions WHERE id = ?`, id)
	if err != nil {
		return fault("delete", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish()
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_interactions`); err != nil {
		return fault("delete", err)
	}
	s.publish()
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Interaction, error) {
	var (
		rec       Interaction
		createdMS int64
		text      sql.NullString
		imageRef  sql.NullString
		pending   int
		outcome   string
	)
	if err := row.Scan(&rec.ID, &createdMS, &text, &imageRef, &rec.ResponseText, &pending, &outcome, &rec.ErrorDetail); err != nil {
		return Interaction{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdMS).UTC()
	rec.RequestText = text.String
	rec.RequestImageRef = imageRef.String
	rec.Pending = pending != 0
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

// sqliteFilePath returns the file behind a path or "file:" URI, or "" for
// in-memory databases.
func sqliteFilePath(dsn string) string {
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		if dsn == ":memory:" {
			return ""
		}
		return dsn
	}
	rest := dsn[len("file:"):]
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		if strings.Contains(rest[i:], "mode=memory") {
			return ""
		}
		rest = rest[:i]
	}
	if strings.HasPrefix(rest, "//") {
		// file://host/path; only the empty and localhost authorities are valid.
		rest = strings.TrimPrefix(strings.TrimPrefix(rest, "//"), "localhost")
	}
	if rest == "" || rest == ":memory:" {
		return ""
	}
	return rest
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
