// Package storage defines the durable outbox/inbox store consumed by the
// capbus engine.
//
// A Store persists every message to send (the "published" table) or that was
// received (the "received" table) together with its lifecycle status, retry
// count and expiry. Outbox inserts can enlist in a caller-supplied database
// transaction so a business write and its message are committed atomically.
//
// Implementations:
//   - sqlstore: one SQL engine parameterized by a Dialect (PostgreSQL, MySQL)
//   - mongodb: MongoDB document store
//   - memory: in-process store for tests and single-node development
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/capbus/message"
)

// Logical table names used across all implementations.
const (
	TablePublished = "published"
	TableReceived  = "received"
)

// ExceptionRetention is how long received-exception (poison) rows are kept so
// operators can inspect them before the collector removes them.
const ExceptionRetention = 15 * 24 * time.Hour

// Storage errors
var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("storage: message not found")
	// ErrUnknownTable is returned for a table name other than
	// TablePublished or TableReceived.
	ErrUnknownTable = errors.New("storage: unknown table")
	// ErrInvalidTransaction is returned when the caller-supplied transaction
	// handle is of a type the store cannot enlist in.
	ErrInvalidTransaction = errors.New("storage: unsupported transaction handle")
)

// Store is the durable message store.
//
// Implementations must be safe for concurrent use. Each call opens its own
// unit of work; connections are never shared across concurrent callers.
type Store interface {
	// StoreMessage inserts an outbox row at Scheduled status. If tx is
	// non-nil the insert enlists in that transaction and becomes durable
	// only when the caller commits; otherwise the store commits
	// immediately. The accepted tx type is implementation-specific
	// (*sql.Tx for SQL stores, mongo.SessionContext for MongoDB).
	StoreMessage(ctx context.Context, name string, content []byte, tx any) (*message.MediumMessage, error)

	// StoreReceivedMessage inserts an inbox row at Scheduled status for the
	// given consumer group.
	StoreReceivedMessage(ctx context.Context, name, group string, content []byte) (*message.MediumMessage, error)

	// StoreReceivedExceptionMessage inserts an inbox row directly at
	// terminal Failed status with ExceptionRetention. Used when the inbound
	// payload could not be decoded: the row exists for operator inspection
	// only and never enters the retry machine.
	StoreReceivedExceptionMessage(ctx context.Context, name, group string, content []byte) error

	// ChangePublishState persists a state transition for an outbox row,
	// writing Content, Retries, ExpiresAt and the new status by id.
	// Applying the same transition twice is a no-op with respect to
	// Retries: the value is taken from m, never incremented in place.
	ChangePublishState(ctx context.Context, m *message.MediumMessage, s message.Status) error

	// ChangeReceiveState is ChangePublishState for the inbox.
	ChangeReceiveState(ctx context.Context, m *message.MediumMessage, s message.Status) error

	// MessagesOfNeedRetry selects retry candidates from the given table:
	// rows in Failed, Scheduled or Processing status with no expiry set,
	// whose Retries is below maxRetries and whose Added is older than the
	// lookback window. Settled rows carry an expiry and are never
	// candidates; a Processing row old enough to clear the window was
	// orphaned by a crash and is recovered here. The window keeps a scan
	// from re-enqueuing a message still being processed by a live sender.
	// Results are capped at limit.
	MessagesOfNeedRetry(ctx context.Context, table string, maxRetries int, lookback time.Duration, limit int) ([]*message.MediumMessage, error)

	// DeleteExpires removes up to batch rows from the table whose
	// ExpiresAt is before cutoff, returning the number deleted. Callers
	// loop until a batch returns zero.
	DeleteExpires(ctx context.Context, table string, cutoff time.Time, batch int) (int64, error)

	// Monitoring returns the read-side monitoring surface.
	Monitoring() Monitoring
}

// StatusCount maps lifecycle states to row counts.
type StatusCount map[message.Status]int64

// MessageQuery filters a monitoring page query. Zero-valued fields are not
// applied. Page is 1-based; PageSize defaults to 20 when unset.
type MessageQuery struct {
	Name     string
	Group    string
	Status   message.Status
	Content  string // substring match on the serialized envelope
	Page     int
	PageSize int
}

// Normalize fills query defaults in place and returns the offset.
func (q *MessageQuery) Normalize() int {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	return (q.Page - 1) * q.PageSize
}

// Monitoring is the read-side surface exposed to dashboards and the
// capbus/monitor package.
type Monitoring interface {
	// Counts returns row counts per status for a table.
	Counts(ctx context.Context, table string) (StatusCount, error)

	// Messages returns one page of rows matching the query plus the total
	// match count.
	Messages(ctx context.Context, table string, q MessageQuery) ([]*message.MediumMessage, int64, error)

	// Message fetches a single row by id. Returns ErrNotFound when absent.
	Message(ctx context.Context, table string, id string) (*message.MediumMessage, error)

	// Requeue resets a row to Scheduled with zero retries so the next retry
	// scan picks it up again. Returns ErrNotFound when absent.
	Requeue(ctx context.Context, table string, id string) error
}

// ValidTable reports whether table names one of the two logical tables.
func ValidTable(table string) bool {
	return table == TablePublished || table == TableReceived
}
