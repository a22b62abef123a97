package syncstore

import (
	"context"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS meta (
		user_id TEXT PRIMARY KEY,
		next_batch TEXT NOT NULL DEFAULT '',
		filter_id TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS rooms_invite (
		room_id TEXT PRIMARY KEY,
		account_data BLOB NOT NULL,
		state BLOB NOT NULL,
		summary BLOB NOT NULL,
		timeline BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rooms_join (
		room_id TEXT PRIMARY KEY,
		account_data BLOB NOT NULL,
		state BLOB NOT NULL,
		summary BLOB NOT NULL,
		timeline BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rooms_knock (
		room_id TEXT PRIMARY KEY,
		account_data BLOB NOT NULL,
		state BLOB NOT NULL,
		summary BLOB NOT NULL,
		timeline BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rooms_leave (
		room_id TEXT PRIMARY KEY,
		account_data BLOB NOT NULL,
		state BLOB NOT NULL,
		summary BLOB NOT NULL,
		timeline BLOB NOT NULL
	);
	`,
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			rollback(tx, s.logger)
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			rollback(tx, s.logger)
			return fmt.Errorf("migration %d: set version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
		s.logger.Debug("applied schema migration", "version", i+1)
	}
	return nil
}
