package interaction

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from dsn:
//
//	"" or "memory"              in-process store
//	"sqlite://path", "file:..." embedded SQLite
//	"postgres://..."            PostgreSQL
func NewStore(ctx context.Context, dsn string, opts ...Option) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "" || lower == "memory":
		return NewMemoryStore(opts...), nil
	case strings.HasPrefix(lower, "sqlite://"):
		return NewSQLiteStore(ctx, dsn[len("sqlite://"):], opts...)
	case strings.HasPrefix(lower, "file:"):
		return NewSQLiteStore(ctx, dsn, opts...)
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresStore(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported store dsn %q (expected memory, sqlite://, postgres://)", dsn)
	}
}

// Backend names the backend behind a store, for health output.
func Backend(s Store) string {
	switch s.(type) {
	case *MemoryStore:
		return "memory"
	case *SQLiteStore:
		return "sqlite"
	case *PostgresStore:
		return "postgres"
	default:
		return "unknown"
	}
}
