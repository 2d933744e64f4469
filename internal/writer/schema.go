package writer

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS onebot_events (
	id          UUID PRIMARY KEY,
	self_id     BIGINT NOT NULL,
	post_type   TEXT NOT NULL,
	detail_type TEXT NOT NULL DEFAULT '',
	event_time  BIGINT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS onebot_events_received_at_idx ON onebot_events (received_at);
CREATE INDEX IF NOT EXISTS onebot_events_self_post_idx ON onebot_events (self_id, post_type);
`

const insertSQL = `
	INSERT INTO onebot_events (id, self_id, post_type, detail_type, event_time, received_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
`

// EnsureSchema creates the journal table and indexes if they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create onebot_events: %w", err)
	}
	return nil
}
