package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/vaultcal/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// DB wraps the database connection pool
type DB struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig
	Schema string
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return &DB{
		Pool:   pool,
		config: cfg,
		Schema: cfg.Schema,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// openGoose prepares goose for the embedded migrations and returns a
// database/sql handle for it
func (db *DB) openGoose() (*sql.DB, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open stdlib connection: %w", err)
	}

	// schema-specific version table so several vaults can share a database
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}
	return stdDB, nil
}

// RunMigrations applies all pending migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	if err := goose.UpContext(ctx, stdDB, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema)
	return nil
}

// MigrationStatus logs the state of every migration
func (db *DB) MigrationStatus(ctx context.Context) error {
	stdDB, err := db.openGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	return goose.StatusContext(ctx, stdDB, migrationsDir)
}

// GetStatus summarizes the mirrored index
func (db *DB) GetStatus(ctx context.Context) (*MirrorStatus, error) {
	status := &MirrorStatus{Connected: true}

	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE recurrence_type IS NOT NULL),
			COUNT(*) FILTER (WHERE sync_uid IS NOT NULL),
			MAX(synced_at)
		FROM vault_events
	`).Scan(&status.TotalEvents, &status.Templates, &status.Linked, &status.LastWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to read mirror status: %w", err)
	}

	return status, nil
}
