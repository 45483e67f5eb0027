package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema bootstrap. The service owns its tables; everything is idempotent so
// restarts and multiple instances are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		name TEXT PRIMARY KEY,
		title TEXT,
		admin TEXT NOT NULL,
		created BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id BIGSERIAL PRIMARY KEY,
		conversation TEXT NOT NULL,
		participant TEXT NOT NULL,
		created BIGINT NOT NULL,
		UNIQUE (conversation, participant)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		mbox TEXT NOT NULL,
		text TEXT NOT NULL,
		reply_to BIGINT,
		created BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message_receipts (
		id BIGSERIAL PRIMARY KEY,
		message TEXT NOT NULL,
		"user" TEXT NOT NULL,
		delivered_at BIGINT,
		read_at BIGINT,
		reaction SMALLINT,
		UNIQUE (message, "user")
	)`,
	`CREATE TABLE IF NOT EXISTS boxes (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kind SMALLINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_mbox_created ON messages (mbox, created)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_conversation ON participants (conversation)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_participant ON participants (participant)`,
	`CREATE INDEX IF NOT EXISTS idx_boxes_owner ON boxes (owner)`,
}

// Bootstrap creates the tables and indexes if they do not exist yet.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
