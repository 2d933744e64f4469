package writer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by the journal.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterConfig holds batch settings.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// eventRow represents a row to be inserted into the onebot_events table.
type eventRow struct {
	ID         uuid.UUID
	SelfID     int64
	PostType   string
	DetailType string // message_type, notice_type, request_type or meta_event_type
	EventTime  int64  // Unix seconds, as sent by the producer
	ReceivedAt time.Time
	Payload    []byte // JSON
}

// WriterMetrics tracks journal activity.
type WriterMetrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Lagged  int64
	Skipped int64
}
