// Package sqlstore implements storage.Store on database/sql.
//
// One engine carries the whole message lifecycle; the SQL-text differences
// between database engines live behind the small Dialect interface. The
// package imports no driver: callers open the *sql.DB with whichever driver
// matches the dialect.
//
// Required schema (created by InitSchema, or apply the DDL from
// Dialect.Schema through your own migration tool):
//
//	cap_published: id, version, name, content, retries, added, expires_at, status_name
//	cap_received:  same plus group_name
//
// Retry scans use FOR UPDATE SKIP LOCKED where the dialect supports it so
// concurrent instances do not claim the same rows.
//
// Example:
//
//	db, _ := sql.Open("postgres", connString)
//	store, err := sqlstore.New(db, sqlstore.Postgres{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := store.InitSchema(ctx); err != nil {
//	    log.Fatal(err)
//	}
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/snowflake"
	"github.com/rbaliyan/capbus/storage"
)

// ErrDialectRequired is returned by New when no dialect is supplied.
var ErrDialectRequired = errors.New("sqlstore: dialect is required")

// DefaultTablePrefix is prepended to the logical table names.
const DefaultTablePrefix = "cap_"

// execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements storage.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	prefix  string
	ids     *snowflake.Generator
	version string
	now     func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithTablePrefix overrides the "cap_" table prefix.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithIDGenerator sets the snowflake generator used for row ids.
func WithIDGenerator(g *snowflake.Generator) Option {
	return func(s *Store) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithVersion sets the schema version string recorded on each row.
func WithVersion(v string) Option {
	return func(s *Store) {
		s.version = v
	}
}

// New creates a SQL store over an open database handle.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if dialect == nil {
		return nil, ErrDialectRequired
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		prefix:  DefaultTablePrefix,
		ids:     snowflake.Default(),
		version: "v1",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// InitSchema creates both tables and their indexes if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema(s.prefix) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) tableName(table string) (string, error) {
	if !storage.ValidTable(table) {
		return "", storage.ErrUnknownTable
	}
	return s.prefix + table, nil
}

// StoreMessage inserts an outbox row at Scheduled status. tx may be nil,
// a *sql.Tx, or anything exposing ExecContext; when supplied, the insert
// becomes durable only with the caller's commit.
func (s *Store) StoreMessage(ctx context.Context, name string, content []byte, tx any) (*message.MediumMessage, error) {
	var ex execer = s.db
	if tx != nil {
		var ok bool
		if ex, ok = tx.(execer); !ok {
			return nil, fmt.Errorf("%w: %T", storage.ErrInvalidTransaction, tx)
		}
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	added := s.now()

	query := s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, version, name, content, retries, added, expires_at, status_name)
		 VALUES (?, ?, ?, ?, 0, ?, NULL, ?)`, s.prefix+storage.TablePublished))
	if _, err := ex.ExecContext(ctx, query, id, s.version, name, string(content), added, message.StatusScheduled); err != nil {
		return nil, fmt.Errorf("sqlstore: store message: %w", err)
	}

	return &message.MediumMessage{
		DBID:    strconv.FormatInt(id, 10),
		Content: content,
		Added:   added,
	}, nil
}

func (s *Store) storeReceived(ctx context.Context, name, group string, content []byte, status message.Status, expiresAt *time.Time) (*message.MediumMessage, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	added := s.now()

	query := s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, version, name, group_name, content, retries, added, expires_at, status_name)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`, s.prefix+storage.TableReceived))
	if _, err := s.db.ExecContext(ctx, query, id, s.version, name, group, string(content), added, expiresAt, status); err != nil {
		return nil, fmt.Errorf("sqlstore: store received message: %w", err)
	}

	return &message.MediumMessage{
		DBID:      strconv.FormatInt(id, 10),
		Content:   content,
		Added:     added,
		ExpiresAt: expiresAt,
	}, nil
}

// StoreReceivedMessage inserts an inbox row at Scheduled status.
func (s *Store) StoreReceivedMessage(ctx context.Context, name, group string, content []byte) (*message.MediumMessage, error) {
	return s.storeReceived(ctx, name, group, content, message.StatusScheduled, nil)
}

// StoreReceivedExceptionMessage inserts a terminal Failed inbox row kept for
// the long exception retention.
func (s *Store) StoreReceivedExceptionMessage(ctx context.Context, name, group string, content []byte) error {
	expires := s.now().Add(storage.ExceptionRetention)
	_, err := s.storeReceived(ctx, name, group, content, message.StatusFailed, &expires)
	return err
}

func (s *Store) changeState(ctx context.Context, table string, m *message.MediumMessage, status message.Status) error {
	name, err := s.tableName(table)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(m.DBID, 10, 64)
	if err != nil {
		return fmt.Errorf("sqlstore: bad row id %q: %w", m.DBID, err)
	}

	query := s.dialect.Rebind(fmt.Sprintf(
		`UPDATE %s SET content = ?, retries = ?, expires_at = ?, status_name = ? WHERE id = ?`, name))
	res, err := s.db.ExecContext(ctx, query, string(m.Content), m.Retries, m.ExpiresAt, status, id)
	if err != nil {
		return fmt.Errorf("sqlstore: change state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ChangePublishState persists an outbox state transition by id.
func (s *Store) ChangePublishState(ctx context.Context, m *message.MediumMessage, status message.Status) error {
	return s.changeState(ctx, storage.TablePublished, m, status)
}

// ChangeReceiveState persists an inbox state transition by id.
func (s *Store) ChangeReceiveState(ctx context.Context, m *message.MediumMessage, status message.Status) error {
	return s.changeState(ctx, storage.TableReceived, m, status)
}

// MessagesOfNeedRetry selects retry candidates, oldest first. The claim
// suffix keeps concurrent instances off the same rows where supported.
func (s *Store) MessagesOfNeedRetry(ctx context.Context, table string, maxRetries int, lookback time.Duration, limit int) ([]*message.MediumMessage, error) {
	name, err := s.tableName(table)
	if err != nil {
		return nil, err
	}

	// Settled rows carry an expiry; retryable ones do not. Processing rows
	// older than the lookback were orphaned by a crashed instance.
	query := fmt.Sprintf(
		`SELECT id, content, retries, added, expires_at FROM %s
		 WHERE retries < ? AND added < ? AND status_name IN (?, ?, ?)
		 AND expires_at IS NULL
		 ORDER BY added LIMIT ?`, name)
	if suffix := s.dialect.LockSuffix(); suffix != "" {
		query += " " + suffix
	}
	query = s.dialect.Rebind(query)

	rows, err := s.db.QueryContext(ctx, query,
		maxRetries, s.now().Add(-lookback),
		message.StatusFailed, message.StatusScheduled, message.StatusProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: retry scan: %w", err)
	}
	defer rows.Close()

	return scanMediums(rows)
}

// DeleteExpires removes up to batch expired rows, returning the count.
func (s *Store) DeleteExpires(ctx context.Context, table string, cutoff time.Time, batch int) (int64, error) {
	name, err := s.tableName(table)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.DeleteExpiredSQL(name), cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// Monitoring returns the read-side monitoring surface.
func (s *Store) Monitoring() storage.Monitoring {
	return &monitoring{s: s}
}

func scanMediums(rows *sql.Rows) ([]*message.MediumMessage, error) {
	var out []*message.MediumMessage
	for rows.Next() {
		m, err := scanMedium(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedium(r rowScanner) (*message.MediumMessage, error) {
	var (
		id        int64
		content   sql.NullString
		retries   int
		added     time.Time
		expiresAt sql.NullTime
	)
	if err := r.Scan(&id, &content, &retries, &added, &expiresAt); err != nil {
		return nil, err
	}
	m := &message.MediumMessage{
		DBID:    strconv.FormatInt(id, 10),
		Retries: retries,
		Added:   added,
	}
	if content.Valid {
		m.Content = []byte(content.String)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	return m, nil
}

// monitoring implements storage.Monitoring with dialect-rebound queries.
type monitoring struct {
	s *Store
}

func (mo *monitoring) Counts(ctx context.Context, table string) (storage.StatusCount, error) {
	name, err := mo.s.tableName(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT status_name, COUNT(1) FROM %s GROUP BY status_name`, name)
	rows, err := mo.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: counts: %w", err)
	}
	defer rows.Close()

	counts := make(storage.StatusCount)
	for rows.Next() {
		var (
			status message.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (mo *monitoring) Messages(ctx context.Context, table string, q storage.MessageQuery) ([]*message.MediumMessage, int64, error) {
	name, err := mo.s.tableName(table)
	if err != nil {
		return nil, 0, err
	}
	offset := q.Normalize()

	var (
		where []string
		args  []any
	)
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if q.Group != "" && table == storage.TableReceived {
		where = append(where, "group_name = ?")
		args = append(args, q.Group)
	}
	if q.Status != "" {
		where = append(where, "status_name = ?")
		args = append(args, q.Status)
	}
	if q.Content != "" {
		where = append(where, "content LIKE ?")
		args = append(args, "%"+q.Content+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	countQuery := mo.s.dialect.Rebind(fmt.Sprintf(`SELECT COUNT(1) FROM %s%s`, name, clause))
	if err := mo.s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: count messages: %w", err)
	}

	pageQuery := mo.s.dialect.Rebind(fmt.Sprintf(
		`SELECT id, content, retries, added, expires_at FROM %s%s ORDER BY added DESC LIMIT ? OFFSET ?`,
		name, clause))
	rows, err := mo.s.db.QueryContext(ctx, pageQuery, append(args, q.PageSize, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlstore: page messages: %w", err)
	}
	defer rows.Close()

	out, err := scanMediums(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (mo *monitoring) Message(ctx context.Context, table string, id string) (*message.MediumMessage, error) {
	name, err := mo.s.tableName(table)
	if err != nil {
		return nil, err
	}
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: bad row id %q: %w", id, err)
	}

	query := mo.s.dialect.Rebind(fmt.Sprintf(
		`SELECT id, content, retries, added, expires_at FROM %s WHERE id = ?`, name))
	m, err := scanMedium(mo.s.db.QueryRowContext(ctx, query, rowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get message: %w", err)
	}
	return m, nil
}

func (mo *monitoring) Requeue(ctx context.Context, table string, id string) error {
	name, err := mo.s.tableName(table)
	if err != nil {
		return err
	}
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("sqlstore: bad row id %q: %w", id, err)
	}

	query := mo.s.dialect.Rebind(fmt.Sprintf(
		`UPDATE %s SET status_name = ?, retries = 0, expires_at = NULL WHERE id = ?`, name))
	res, err := mo.s.db.ExecContext(ctx, query, message.StatusScheduled, rowID)
	if err != nil {
		return fmt.Errorf("sqlstore: requeue: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.Monitoring = (*monitoring)(nil)
)
