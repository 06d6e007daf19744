// ./internal/state/db.go
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string // "disable", "require", "verify-full", etc.
}

// Store is the durable persistence collaborator. It owns the connection pool
// and is passed by reference to every service that needs durability; there is
// no package-level connection.
type Store struct {
	db *sql.DB
}

// NewStore opens the connection pool and verifies connectivity.
func NewStore(cfg DBConfig) (*Store, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Successfully connected to the PostgreSQL database!")
	return &Store{db: db}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	log.Info().Msg("Closing database connection...")
	if err := s.db.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func (s *Store) EnsureSchema() error {
	schemaSQL := `
		CREATE TABLE IF NOT EXISTS pending_transactions (
			id UUID PRIMARY KEY,
			tx_type VARCHAR(32) NOT NULL,
			position_address VARCHAR(64) NOT NULL,
			wallet_address VARCHAR(64) NOT NULL,
			payload BYTEA,
			metadata JSONB,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMPTZ NOT NULL,
			approved_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			signature TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_transactions_wallet_status ON pending_transactions(wallet_address, status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_pending_transactions_status_expiry ON pending_transactions(status, expires_at);

		CREATE TABLE IF NOT EXISTS stop_loss_configs (
			position_address VARCHAR(64) PRIMARY KEY,
			loss_threshold DECIMAL(10, 8) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			notify_only BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			alert_type VARCHAR(32) NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			position_address VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			read BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_alerts_unread ON alerts(read, created_at DESC);

		CREATE TABLE IF NOT EXISTS volatility_cache (
			pool_address VARCHAR(64) PRIMARY KEY,
			period_seconds BIGINT NOT NULL,
			annualized_volatility DOUBLE PRECISION NOT NULL,
			mean_return DOUBLE PRECISION NOT NULL,
			std_dev DOUBLE PRECISION NOT NULL,
			sample_count INTEGER NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured.")
	return nil
}

// Ping tests if the database connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
