package store

import (
	"context"
	"fmt"
)

// migrationStatements are idempotent DDL statements applied in order.
// Besides creating the tables, they drop FKs from hisclaim/hisbet to round, ensure the
// dedup uniques, create the query-path indices. They may be re-applied
// safely and out of order with respect to processing.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS round (
		epoch BIGINT PRIMARY KEY,
		start_time TIMESTAMPTZ,
		lock_time TIMESTAMPTZ,
		close_time TIMESTAMPTZ,
		lock_price NUMERIC(36,8),
		close_price NUMERIC(36,8),
		outcome TEXT,
		total NUMERIC(36,8),
		up_amount NUMERIC(36,8),
		down_amount NUMERIC(36,8),
		up_odds NUMERIC(20,4),
		down_odds NUMERIC(20,4)
	)`,
	`CREATE TABLE IF NOT EXISTS "hisBet" (
		epoch BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INT NOT NULL,
		bet_time TIMESTAMPTZ,
		wallet TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount NUMERIC(36,8) NOT NULL,
		result TEXT,
		block_height BIGINT
	)`,
	`ALTER TABLE "hisBet" DROP CONSTRAINT IF EXISTS hisbet_round_fk`,
	`CREATE UNIQUE INDEX IF NOT EXISTS hisbet_tx_log_uniq ON "hisBet" (tx_hash, log_index)`,
	`CREATE INDEX IF NOT EXISTS hisbet_epoch_idx ON "hisBet" (epoch)`,
	`CREATE INDEX IF NOT EXISTS hisbet_sender_idx ON "hisBet" (wallet)`,

	`CREATE TABLE IF NOT EXISTS claim (
		epoch BIGINT NOT NULL,
		tx_hash TEXT NOT NULL,
		log_index INT NOT NULL,
		bet_epoch BIGINT NOT NULL,
		wallet TEXT NOT NULL,
		amount NUMERIC(36,8) NOT NULL
	)`,
	`ALTER TABLE claim DROP CONSTRAINT IF EXISTS claim_round_fk`,
	`CREATE UNIQUE INDEX IF NOT EXISTS hisclaim_tx_log_bet_epoch_uniq ON claim (tx_hash, log_index, bet_epoch)`,
	`CREATE INDEX IF NOT EXISTS hisclaim_epoch_idx ON claim (epoch)`,
	`CREATE INDEX IF NOT EXISTS hisclaim_sender_idx ON claim (wallet)`,
	`CREATE INDEX IF NOT EXISTS hisclaim_bet_epoch_idx ON claim (bet_epoch)`,

	`CREATE TABLE IF NOT EXISTS "multiClaim" (
		epoch BIGINT NOT NULL,
		wallet TEXT NOT NULL,
		claim_count INT NOT NULL,
		total_amount NUMERIC(36,8) NOT NULL,
		PRIMARY KEY (epoch, wallet)
	)`,

	`CREATE TABLE IF NOT EXISTS "realBet" (
		epoch BIGINT NOT NULL,
		tx_hash TEXT,
		wallet TEXT,
		direction TEXT,
		amount NUMERIC(36,8)
	)`,
	`CREATE INDEX IF NOT EXISTS realbet_epoch_idx ON "realBet" (epoch)`,

	`CREATE TABLE IF NOT EXISTS "finEpoch" (
		epoch BIGINT PRIMARY KEY
	)`,

	`CREATE TABLE IF NOT EXISTS "errEpoch" (
		epoch BIGINT PRIMARY KEY,
		class TEXT,
		message TEXT,
		ts TIMESTAMPTZ
	)`,
}

// Migrate applies every migration statement in order. Each statement is
// individually idempotent (IF NOT EXISTS / IF EXISTS guards), so re-runs
// and out-of-order application across deployments are both safe without
// a version-gated migration framework.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrationStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration step %d: %w", i, err)
		}
	}
	return nil
}
