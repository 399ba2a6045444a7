// Package store defines the generic document-store contract the live quiz
// core is written against. Implementations live under internal/infra.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned for reads and updates against a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a guarded update or delete loses its
	// compare-and-swap check.
	ErrConflict = errors.New("document modified concurrently")
)

// Fields is the JSON-compatible field set of one document.
type Fields map[string]any

// Document pairs an id with its fields, as returned by queries.
type Document struct {
	ID     string
	Fields Fields
}

// Event describes one committed change to a document. Events for a single
// document are delivered in write order; no ordering is guaranteed across
// documents.
type Event struct {
	Collection string
	ID         string
	Fields     Fields
	Deleted    bool
}

type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value resolved to the store's clock
// at commit time.
var ServerTimestamp = serverTimestamp{}

// Store is a key-value document database with field-level merge updates,
// equality queries, and change subscriptions.
type Store interface {
	// Get returns the fields of a document, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Fields, error)
	// Set creates or fully overwrites a document.
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Update merges fields into an existing document, or returns ErrNotFound.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// UpdateIf merges fields only while guardField still equals expect,
	// otherwise returns ErrConflict.
	UpdateIf(ctx context.Context, collection, id, guardField string, expect any, fields Fields) error
	// Delete removes a document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// DeleteIf removes a document only while guardField still equals expect.
	DeleteIf(ctx context.Context, collection, id, guardField string, expect any) error
	// Query returns every document whose field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)
	// List returns every document in a collection.
	List(ctx context.Context, collection string) ([]Document, error)
	// Watch streams changes to a single document.
	Watch(ctx context.Context, collection, id string) (*Subscription, error)
	// WatchQuery streams changes to every document whose field equals value.
	WatchQuery(ctx context.Context, collection, field string, value any) (*Subscription, error)
}

// Subscription is an explicit change-feed handle. Callers own it and must
// call Close when done; there is no process-wide listener registry.
type Subscription struct {
	events <-chan Event
	stop   func()
}

// NewSubscription wraps a delivery channel and a stop function.
func NewSubscription(events <-chan Event, stop func()) *Subscription {
	return &Subscription{events: events, stop: stop}
}

// Events is the ordered change feed. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.stop()
}

// Encode converts a struct into generic JSON fields.
func Encode(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Decode converts generic JSON fields back into a struct.
func Decode(f Fields, v any) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// SameValue compares two field values after JSON normalization, so an int64
// guard matches the float64 a decoded document carries.
func SameValue(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}
