package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the relational backend.
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration
}

// Open connects to the configured store and applies pending migrations.
// Schema changes are additive, so running Open against an up-to-date store is a no-op.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "sqlite3" {
		driver = DriverSQLite
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	var (
		placeholder sq.PlaceholderFormat
		dialect     goose.Dialect
	)
	switch driver {
	case DriverSQLite:
		placeholder = sq.Question
		dialect = goose.DialectSQLite3
		if err := ensureSQLiteDir(cfg.DSN); err != nil {
			return nil, err
		}
	case DriverPostgres:
		placeholder = sq.Dollar
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := sqlitePragmas(ctx, db, cfg.BusyTimeout); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if err := migrate(ctx, db, driver, dialect, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	return newRepository(db, placeholder), nil
}

func migrate(ctx context.Context, db *sqlx.DB, driver string, dialect goose.Dialect, log *slog.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", driver, err)
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		log.Info("migration applied", "version", r.Source.Version, "path", r.Source.Path, "took", r.Duration)
	}
	return nil
}

func sqlitePragmas(ctx context.Context, db *sqlx.DB, busy time.Duration) error {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	return nil
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
