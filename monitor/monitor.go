// Package monitor exposes the read side of the message store: status
// counts, paged message queries and requeueing of failed messages. It is
// the data surface a dashboard builds on; no UI ships with it.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/storage"
)

// Stats is the per-status row count of both tables.
type Stats struct {
	Published storage.StatusCount `json:"published"`
	Received  storage.StatusCount `json:"received"`
}

// Item is one stored message prepared for display: envelope headers decoded,
// body carried as a string.
type Item struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Group     string         `json:"group,omitempty"`
	Headers   message.Header `json:"headers,omitempty"`
	Body      string         `json:"body,omitempty"`
	Content   string         `json:"content,omitempty"`
	Retries   int            `json:"retries"`
	Added     time.Time      `json:"added"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Page is one page of query results.
type Page struct {
	Items    []*Item `json:"items"`
	Total    int64   `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// API wraps the store's monitoring surface with table validation and
// envelope decoding.
type API struct {
	store storage.Store
}

// New creates a monitoring API over a store.
func New(store storage.Store) *API {
	return &API{store: store}
}

// Stats returns status counts for both tables.
func (a *API) Stats(ctx context.Context) (*Stats, error) {
	mon := a.store.Monitoring()
	published, err := mon.Counts(ctx, storage.TablePublished)
	if err != nil {
		return nil, err
	}
	received, err := mon.Counts(ctx, storage.TableReceived)
	if err != nil {
		return nil, err
	}
	return &Stats{Published: published, Received: received}, nil
}

// Messages returns one page of messages from a table.
func (a *API) Messages(ctx context.Context, table string, q storage.MessageQuery) (*Page, error) {
	if !storage.ValidTable(table) {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownTable, table)
	}
	mediums, total, err := a.store.Monitoring().Messages(ctx, table, q)
	if err != nil {
		return nil, err
	}
	q.Normalize()
	page := &Page{
		Items:    make([]*Item, 0, len(mediums)),
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	for _, m := range mediums {
		page.Items = append(page.Items, toItem(m))
	}
	return page, nil
}

// Message fetches one message by row id.
func (a *API) Message(ctx context.Context, table, id string) (*Item, error) {
	if !storage.ValidTable(table) {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownTable, table)
	}
	m, err := a.store.Monitoring().Message(ctx, table, id)
	if err != nil {
		return nil, err
	}
	return toItem(m), nil
}

// Requeue resets a message to Scheduled with zero retries so the retry scan
// delivers it again. The operator path for quarantined or exhausted rows.
func (a *API) Requeue(ctx context.Context, table, id string) error {
	if !storage.ValidTable(table) {
		return fmt.Errorf("%w: %q", storage.ErrUnknownTable, table)
	}
	return a.store.Monitoring().Requeue(ctx, table, id)
}

// toItem decodes the stored envelope for display. Undecodable content is
// shown raw rather than hidden.
func toItem(m *message.MediumMessage) *Item {
	item := &Item{
		ID:        m.DBID,
		Retries:   m.Retries,
		Added:     m.Added,
		ExpiresAt: m.ExpiresAt,
	}
	origin := m.Origin
	if origin == nil {
		if decoded, err := serializer.Decode(m.Content); err == nil {
			origin = decoded
		}
	}
	if origin != nil {
		item.Topic = origin.Name()
		item.Group = origin.Group()
		item.Headers = origin.Headers
		item.Body = string(origin.Body)
	} else {
		item.Content = string(m.Content)
	}
	return item
}
