// Package postgres keeps the persistent configuration blobs in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/persist"
)

// Ensure BlobStore implements persist.Store
var _ persist.Store = (*BlobStore)(nil)

// table is created by migrations/000001_persistent_data.
const table = "persistent_data"

// BlobStore keeps persistent blobs in the persistent_data table, one row per
// key and controller side. Both controllers may share one database.
type BlobStore struct {
	pool   *pgxpool.Pool
	side   domain.Side
	logger *zap.Logger
}

// Open connects to PostgreSQL and checks that the persistent_data schema has
// been migrated.
func Open(ctx context.Context, cfg config.DatabaseConfig, side domain.Side, logger *zap.Logger) (*BlobStore, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	s := &BlobStore{
		pool:   pool,
		side:   side,
		logger: logger.With(zap.String("repository", table), zap.Stringer("side", side)),
	}
	if err := s.checkSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", pc.MaxConns),
	)
	return s, nil
}

// poolConfig maps the database settings onto a pool configuration. A blob
// store needs few connections, so at least one is kept open.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = int32(max(1, min(cfg.MaxIdleConns, int(pc.MaxConns))))
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	return pc, nil
}

func (s *BlobStore) checkSchema(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
		return fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: table %s missing, run the migrations first", domain.ErrNotReady, table)
	}
	return nil
}

// Health checks if the database is reachable.
func (s *BlobStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *BlobStore) Close() {
	s.pool.Close()
	s.logger.Info("PostgreSQL connection closed")
}

// Read implements persist.Store.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT blob
		FROM persistent_data
		WHERE key = $1 AND side = $2
	`

	var blob []byte
	err := s.pool.QueryRow(ctx, query, key, s.side.String()).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		s.logger.Error("Failed to read persistent data", zap.Error(err), zap.String("key", key))
		return nil, fmt.Errorf("failed to query persistent data: %w", err)
	}
	return blob, nil
}

// Write implements persist.Store. The row is replaced atomically.
func (s *BlobStore) Write(ctx context.Context, key string, blob []byte) error {
	query := `
		INSERT INTO persistent_data (key, side, blob, size, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key, side) DO UPDATE SET
			blob = EXCLUDED.blob,
			size = EXCLUDED.size,
			updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query, key, s.side.String(), blob, len(blob))
	if err != nil {
		s.logger.Error("Failed to write persistent data", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to upsert persistent data: %w", err)
	}

	s.logger.Debug("Wrote persistent data", zap.String("key", key), zap.Int("size", len(blob)))
	return nil
}
