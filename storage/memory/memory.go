// Package memory provides an in-process Store for tests and single-node
// development. Rows live in maps guarded by a mutex; nothing survives a
// restart, so it offers the full lifecycle but no crash recovery.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/snowflake"
	"github.com/rbaliyan/capbus/storage"
)

// row is the stored form of a message.
type row struct {
	id        string
	version   string
	name      string
	group     string
	content   []byte
	retries   int
	added     time.Time
	expiresAt *time.Time
	status    message.Status
}

// Store is an in-memory storage.Store. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	published map[string]*row
	received  map[string]*row
	ids       *snowflake.Generator
	version   string
	now       func() time.Time
}

// Option configures the memory store.
type Option func(*Store)

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

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		published: make(map[string]*row),
		received:  make(map[string]*row),
		ids:       snowflake.Default(),
		version:   "v1",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table(name string) (map[string]*row, error) {
	switch name {
	case storage.TablePublished:
		return s.published, nil
	case storage.TableReceived:
		return s.received, nil
	}
	return nil, storage.ErrUnknownTable
}

func (s *Store) insert(name, group string, content []byte, status message.Status, expiresAt *time.Time, received bool) (*message.MediumMessage, error) {
	id, err := s.ids.NextString()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := &row{
		id:        id,
		version:   s.version,
		name:      name,
		group:     group,
		content:   append([]byte(nil), content...),
		added:     s.now(),
		expiresAt: expiresAt,
		status:    status,
	}
	if received {
		s.received[id] = r
	} else {
		s.published[id] = r
	}

	return &message.MediumMessage{
		DBID:      r.id,
		Content:   r.content,
		Added:     r.added,
		ExpiresAt: r.expiresAt,
	}, nil
}

// StoreMessage inserts an outbox row at Scheduled status. The tx handle is
// ignored: the memory store has no transactions.
func (s *Store) StoreMessage(ctx context.Context, name string, content []byte, tx any) (*message.MediumMessage, error) {
	return s.insert(name, "", content, message.StatusScheduled, nil, false)
}

// StoreReceivedMessage inserts an inbox row at Scheduled status.
func (s *Store) StoreReceivedMessage(ctx context.Context, name, group string, content []byte) (*message.MediumMessage, error) {
	return s.insert(name, group, content, message.StatusScheduled, nil, true)
}

// StoreReceivedExceptionMessage inserts a terminal Failed inbox row with the
// long exception retention.
func (s *Store) StoreReceivedExceptionMessage(ctx context.Context, name, group string, content []byte) error {
	expires := s.now().Add(storage.ExceptionRetention)
	_, err := s.insert(name, group, content, message.StatusFailed, &expires, true)
	return err
}

func (s *Store) changeState(table string, m *message.MediumMessage, status message.Status) error {
	rows, err := s.table(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := rows[m.DBID]
	if !ok {
		return storage.ErrNotFound
	}
	if m.Content != nil {
		r.content = append([]byte(nil), m.Content...)
	}
	r.retries = m.Retries
	r.expiresAt = m.ExpiresAt
	r.status = status
	return nil
}

// ChangePublishState persists an outbox state transition by id.
func (s *Store) ChangePublishState(ctx context.Context, m *message.MediumMessage, status message.Status) error {
	return s.changeState(storage.TablePublished, m, status)
}

// ChangeReceiveState persists an inbox state transition by id.
func (s *Store) ChangeReceiveState(ctx context.Context, m *message.MediumMessage, status message.Status) error {
	return s.changeState(storage.TableReceived, m, status)
}

// MessagesOfNeedRetry selects Failed/Scheduled/Processing rows under the
// retry ceiling and older than the lookback window, oldest first, capped at
// limit. A Processing row past the window was orphaned by a crash.
func (s *Store) MessagesOfNeedRetry(ctx context.Context, table string, maxRetries int, lookback time.Duration, limit int) ([]*message.MediumMessage, error) {
	rows, err := s.table(table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-lookback)
	var out []*message.MediumMessage
	for _, r := range rows {
		if r.retries >= maxRetries {
			continue
		}
		if !r.added.Before(cutoff) {
			continue
		}
		if r.status == message.StatusSucceeded {
			continue
		}
		// An expiry marks a settled row: succeeded or terminally failed.
		if r.expiresAt != nil {
			continue
		}
		out = append(out, mediumFromRow(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Added.Before(out[j].Added) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExpires removes up to batch rows whose ExpiresAt is before cutoff.
func (s *Store) DeleteExpires(ctx context.Context, table string, cutoff time.Time, batch int) (int64, error) {
	rows, err := s.table(table)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, r := range rows {
		if batch > 0 && deleted >= int64(batch) {
			break
		}
		if r.expiresAt != nil && r.expiresAt.Before(cutoff) {
			delete(rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// Monitoring returns the read-side monitoring surface.
func (s *Store) Monitoring() storage.Monitoring {
	return (*monitoring)(s)
}

// Status returns the stored status of a row, for tests.
func (s *Store) Status(table, id string) (message.Status, bool) {
	rows, err := s.table(table)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := rows[id]
	if !ok {
		return "", false
	}
	return r.status, true
}

// Row returns a copy of a stored row as a MediumMessage, for tests.
func (s *Store) Row(table, id string) (*message.MediumMessage, bool) {
	rows, err := s.table(table)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := rows[id]
	if !ok {
		return nil, false
	}
	return mediumFromRow(r), true
}

func mediumFromRow(r *row) *message.MediumMessage {
	m := &message.MediumMessage{
		DBID:    r.id,
		Content: append([]byte(nil), r.content...),
		Added:   r.added,
		Retries: r.retries,
	}
	if r.expiresAt != nil {
		t := *r.expiresAt
		m.ExpiresAt = &t
	}
	return m
}

// monitoring implements storage.Monitoring over the same maps.
type monitoring Store

func (m *monitoring) store() *Store { return (*Store)(m) }

func (m *monitoring) Counts(ctx context.Context, table string) (storage.StatusCount, error) {
	s := m.store()
	rows, err := s.table(table)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(storage.StatusCount)
	for _, r := range rows {
		counts[r.status]++
	}
	return counts, nil
}

func (m *monitoring) Messages(ctx context.Context, table string, q storage.MessageQuery) ([]*message.MediumMessage, int64, error) {
	s := m.store()
	rows, err := s.table(table)
	if err != nil {
		return nil, 0, err
	}
	offset := q.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*row
	for _, r := range rows {
		if q.Name != "" && r.name != q.Name {
			continue
		}
		if q.Group != "" && r.group != q.Group {
			continue
		}
		if q.Status != "" && r.status != q.Status {
			continue
		}
		if q.Content != "" && !strings.Contains(string(r.content), q.Content) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].added.After(matched[j].added) })

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*message.MediumMessage, 0, end-offset)
	for _, r := range matched[offset:end] {
		out = append(out, mediumFromRow(r))
	}
	return out, total, nil
}

func (m *monitoring) Message(ctx context.Context, table string, id string) (*message.MediumMessage, error) {
	s := m.store()
	rows, err := s.table(table)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return mediumFromRow(r), nil
}

func (m *monitoring) Requeue(ctx context.Context, table string, id string) error {
	s := m.store()
	rows, err := s.table(table)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := rows[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.status = message.StatusScheduled
	r.retries = 0
	r.expiresAt = nil
	return nil
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.Monitoring = (*monitoring)(nil)
)
