// Package writer implements the event journal.
//
// The journal is an ordinary Broadcaster subscriber: it batches events and
// inserts them into the onebot_events table with pgx batches. Rows are
// append-only. A journal that falls behind loses events the same way a slow
// session does and counts the loss.
package writer
