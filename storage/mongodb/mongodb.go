// Package mongodb implements storage.Store on MongoDB.
//
// Two collections mirror the SQL table pair:
//
//	cap.published: { "_id": long, "version": string, "name": string,
//	                 "content": Binary, "retries": int, "added": ISODate,
//	                 "expires_at": ISODate?, "status_name": string }
//	cap.received:  same plus "group_name": string
//
// Outbox inserts can enlist in a caller-supplied mongo.SessionContext so the
// message commits with the caller's multi-document transaction.
//
// Indexes are created by EnsureIndexes:
//
//	{ "added": 1, "status_name": 1, "retries": 1 } for retry scans
//	{ "expires_at": 1 } for the collector
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/snowflake"
	"github.com/rbaliyan/capbus/storage"
)

// Default collection names.
const (
	DefaultPublishedCollection = "cap.published"
	DefaultReceivedCollection  = "cap.received"
)

// document is the stored form of a message.
type document struct {
	ID        int64      `bson:"_id"`
	Version   string     `bson:"version"`
	Name      string     `bson:"name"`
	Group     string     `bson:"group_name,omitempty"`
	Content   []byte     `bson:"content"`
	Retries   int        `bson:"retries"`
	Added     time.Time  `bson:"added"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	Status    string     `bson:"status_name"`
}

func (d *document) medium() *message.MediumMessage {
	m := &message.MediumMessage{
		DBID:    strconv.FormatInt(d.ID, 10),
		Content: d.Content,
		Added:   d.Added,
		Retries: d.Retries,
	}
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		m.ExpiresAt = &t
	}
	return m
}

// Store implements storage.Store on a MongoDB database.
type Store struct {
	published *mongo.Collection
	received  *mongo.Collection
	ids       *snowflake.Generator
	version   string
	now       func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithCollections overrides the default collection names.
func WithCollections(published, received string) Option {
	return func(s *Store) {
		db := s.published.Database()
		if published != "" {
			s.published = db.Collection(published)
		}
		if received != "" {
			s.received = db.Collection(received)
		}
	}
}

// WithIDGenerator sets the snowflake generator used for document ids.
func WithIDGenerator(g *snowflake.Generator) Option {
	return func(s *Store) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithVersion sets the schema version string recorded on each document.
func WithVersion(v string) Option {
	return func(s *Store) {
		s.version = v
	}
}

// New creates a MongoDB store over a connected database.
func New(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		published: db.Collection(DefaultPublishedCollection),
		received:  db.Collection(DefaultReceivedCollection),
		ids:       snowflake.Default(),
		version:   "v1",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the retry-scan and collector indexes on both
// collections.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "added", Value: 1},
			{Key: "status_name", Value: 1},
			{Key: "retries", Value: 1},
		}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetSparse(true)},
	}
	for _, coll := range []*mongo.Collection{s.published, s.received} {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongodb: ensure indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) collection(table string) (*mongo.Collection, error) {
	switch table {
	case storage.TablePublished:
		return s.published, nil
	case storage.TableReceived:
		return s.received, nil
	}
	return nil, storage.ErrUnknownTable
}

// StoreMessage inserts an outbox document at Scheduled status. tx may be nil
// or a mongo.SessionContext carrying the caller's transaction.
func (s *Store) StoreMessage(ctx context.Context, name string, content []byte, tx any) (*message.MediumMessage, error) {
	insertCtx := ctx
	if tx != nil {
		sc, ok := tx.(mongo.SessionContext)
		if !ok {
			return nil, fmt.Errorf("%w: %T", storage.ErrInvalidTransaction, tx)
		}
		insertCtx = sc
	}

	id, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	doc := &document{
		ID:      id,
		Version: s.version,
		Name:    name,
		Content: content,
		Added:   s.now(),
		Status:  string(message.StatusScheduled),
	}
	if _, err := s.published.InsertOne(insertCtx, doc); err != nil {
		return nil, fmt.Errorf("mongodb: store message: %w", err)
	}
	return doc.medium(), nil
}

func (s *Store) storeReceived(ctx context.Context, name, group string, content []byte, status message.Status, expiresAt *time.Time) (*message.MediumMessage, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	doc := &document{
		ID:        id,
		Version:   s.version,
		Name:      name,
		Group:     group,
		Content:   content,
		Added:     s.now(),
		ExpiresAt: expiresAt,
		Status:    string(status),
	}
	if _, err := s.received.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongodb: store received message: %w", err)
	}
	return doc.medium(), nil
}

// StoreReceivedMessage inserts an inbox document at Scheduled status.
func (s *Store) StoreReceivedMessage(ctx context.Context, name, group string, content []byte) (*message.MediumMessage, error) {
	return s.storeReceived(ctx, name, group, content, message.StatusScheduled, nil)
}

// StoreReceivedExceptionMessage inserts a terminal Failed inbox document kept
// for the long exception retention.
func (s *Store) StoreReceivedExceptionMessage(ctx context.Context, name, group string, content []byte) error {
	expires := s.now().Add(storage.ExceptionRetention)
	_, err := s.storeReceived(ctx, name, group, content, message.StatusFailed, &expires)
	return err
}

func (s *Store) changeState(ctx context.Context, table string, m *message.MediumMessage, status message.Status) error {
	coll, err := s.collection(table)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(m.DBID, 10, 64)
	if err != nil {
		return fmt.Errorf("mongodb: bad document id %q: %w", m.DBID, err)
	}

	set := bson.M{
		"retries":     m.Retries,
		"status_name": string(status),
	}
	if m.Content != nil {
		set["content"] = m.Content
	}
	update := bson.M{"$set": set}
	if m.ExpiresAt != nil {
		set["expires_at"] = *m.ExpiresAt
	} else {
		update["$unset"] = bson.M{"expires_at": ""}
	}

	res, err := coll.UpdateByID(ctx, id, update)
	if err != nil {
		return fmt.Errorf("mongodb: change state: %w", err)
	}
	if res.MatchedCount == 0 {
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

// MessagesOfNeedRetry selects retry candidates, oldest first.
func (s *Store) MessagesOfNeedRetry(ctx context.Context, table string, maxRetries int, lookback time.Duration, limit int) ([]*message.MediumMessage, error) {
	coll, err := s.collection(table)
	if err != nil {
		return nil, err
	}

	// Settled documents carry an expiry; retryable ones do not. Processing
	// documents older than the lookback were orphaned by a crash.
	filter := bson.M{
		"retries": bson.M{"$lt": maxRetries},
		"added":   bson.M{"$lt": s.now().Add(-lookback)},
		"status_name": bson.M{"$in": []string{
			string(message.StatusFailed), string(message.StatusScheduled),
			string(message.StatusProcessing),
		}},
		"expires_at": nil,
	}
	opts := options.Find().SetSort(bson.D{{Key: "added", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb: retry scan: %w", err)
	}
	defer cur.Close(ctx)

	var out []*message.MediumMessage
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.medium())
	}
	return out, cur.Err()
}

// DeleteExpires removes up to batch expired documents. MongoDB has no
// bounded DeleteMany, so ids are selected first and deleted by key.
func (s *Store) DeleteExpires(ctx context.Context, table string, cutoff time.Time, batch int) (int64, error) {
	coll, err := s.collection(table)
	if err != nil {
		return 0, err
	}

	findOpts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetLimit(int64(batch))
	cur, err := coll.Find(ctx, bson.M{"expires_at": bson.M{"$lt": cutoff}}, findOpts)
	if err != nil {
		return 0, fmt.Errorf("mongodb: select expired: %w", err)
	}

	var ids []int64
	for cur.Next(ctx) {
		var doc struct {
			ID int64 `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return 0, err
		}
		ids = append(ids, doc.ID)
	}
	if err := errors.Join(cur.Err(), cur.Close(ctx)); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("mongodb: delete expired: %w", err)
	}
	return res.DeletedCount, nil
}

// Monitoring returns the read-side monitoring surface.
func (s *Store) Monitoring() storage.Monitoring {
	return &monitoring{s: s}
}

// monitoring implements storage.Monitoring with aggregation queries.
type monitoring struct {
	s *Store
}

func (mo *monitoring) Counts(ctx context.Context, table string) (storage.StatusCount, error) {
	coll, err := mo.s.collection(table)
	if err != nil {
		return nil, err
	}

	cur, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status_name", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongodb: counts: %w", err)
	}
	defer cur.Close(ctx)

	counts := make(storage.StatusCount)
	for cur.Next(ctx) {
		var group struct {
			Status string `bson:"_id"`
			N      int64  `bson:"n"`
		}
		if err := cur.Decode(&group); err != nil {
			return nil, err
		}
		counts[message.Status(group.Status)] = group.N
	}
	return counts, cur.Err()
}

func (mo *monitoring) Messages(ctx context.Context, table string, q storage.MessageQuery) ([]*message.MediumMessage, int64, error) {
	coll, err := mo.s.collection(table)
	if err != nil {
		return nil, 0, err
	}
	offset := q.Normalize()

	filter := bson.M{}
	if q.Name != "" {
		filter["name"] = q.Name
	}
	if q.Group != "" && table == storage.TableReceived {
		filter["group_name"] = q.Group
	}
	if q.Status != "" {
		filter["status_name"] = string(q.Status)
	}

	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb: count messages: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "added", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(q.PageSize))
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb: page messages: %w", err)
	}
	defer cur.Close(ctx)

	var out []*message.MediumMessage
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		out = append(out, doc.medium())
	}
	return out, total, cur.Err()
}

func (mo *monitoring) Message(ctx context.Context, table string, id string) (*message.MediumMessage, error) {
	coll, err := mo.s.collection(table)
	if err != nil {
		return nil, err
	}
	docID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("mongodb: bad document id %q: %w", id, err)
	}

	var doc document
	err = coll.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb: get message: %w", err)
	}
	return doc.medium(), nil
}

func (mo *monitoring) Requeue(ctx context.Context, table string, id string) error {
	coll, err := mo.s.collection(table)
	if err != nil {
		return err
	}
	docID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("mongodb: bad document id %q: %w", id, err)
	}

	res, err := coll.UpdateByID(ctx, docID, bson.M{
		"$set":   bson.M{"status_name": string(message.StatusScheduled), "retries": 0},
		"$unset": bson.M{"expires_at": ""},
	})
	if err != nil {
		return fmt.Errorf("mongodb: requeue: %w", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.Monitoring = (*monitoring)(nil)
)
