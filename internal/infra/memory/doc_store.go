package memory

import (
	"context"
	"sync"
	"time"

	"live-quiz-service/internal/store"
)

// Store is an in-memory implementation of store.Store. Documents are kept
// in their JSON-normalized form so reads behave the same as the Redis
// implementation.
type Store struct {
	clock func() time.Time

	mu          sync.RWMutex
	collections map[string]map[string]store.Fields
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	collection string
	byID       bool
	id         string
	field      string
	value      any
	ch         chan store.Event
}

// NewStore builds an empty in-memory document store.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock allows deterministic server timestamps in tests.
func NewStoreWithClock(clock func() time.Time) *Store {
	return &Store{
		clock:       clock,
		collections: make(map[string]map[string]store.Fields),
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (s *Store) Get(_ context.Context, collection, id string) (store.Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneFields(doc)
}

func (s *Store) Set(_ context.Context, collection, id string, fields store.Fields) error {
	normalized, err := s.normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]store.Fields)
		s.collections[collection] = coll
	}
	coll[id] = normalized
	s.broadcastLocked(collection, id, normalized, false)
	return nil
}

func (s *Store) Update(_ context.Context, collection, id string, fields store.Fields) error {
	normalized, err := s.normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range normalized {
		doc[k] = v
	}
	s.broadcastLocked(collection, id, doc, false)
	return nil
}

func (s *Store) UpdateIf(_ context.Context, collection, id, guardField string, expect any, fields store.Fields) error {
	normalized, err := s.normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.SameValue(doc[guardField], expect) {
		return store.ErrConflict
	}
	for k, v := range normalized {
		doc[k] = v
	}
	s.broadcastLocked(collection, id, doc, false)
	return nil
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection][id]; !ok {
		return nil
	}
	delete(s.collections[collection], id)
	s.broadcastLocked(collection, id, nil, true)
	return nil
}

func (s *Store) DeleteIf(_ context.Context, collection, id, guardField string, expect any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil
	}
	if !store.SameValue(doc[guardField], expect) {
		return store.ErrConflict
	}
	delete(s.collections[collection], id)
	s.broadcastLocked(collection, id, nil, true)
	return nil
}

func (s *Store) Query(_ context.Context, collection, field string, value any) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []store.Document
	for id, doc := range s.collections[collection] {
		if !store.SameValue(doc[field], value) {
			continue
		}
		clone, err := cloneFields(doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Document{ID: id, Fields: clone})
	}
	return docs, nil
}

func (s *Store) List(_ context.Context, collection string) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []store.Document
	for id, doc := range s.collections[collection] {
		clone, err := cloneFields(doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Document{ID: id, Fields: clone})
	}
	return docs, nil
}

func (s *Store) Watch(_ context.Context, collection, id string) (*store.Subscription, error) {
	return s.attach(&subscriber{collection: collection, byID: true, id: id}), nil
}

func (s *Store) WatchQuery(_ context.Context, collection, field string, value any) (*store.Subscription, error) {
	return s.attach(&subscriber{collection: collection, field: field, value: value}), nil
}

func (s *Store) attach(sub *subscriber) *store.Subscription {
	sub.ch = make(chan store.Event, 16)

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, sub)
			close(sub.ch)
			s.mu.Unlock()
		})
	}
	return store.NewSubscription(sub.ch, stop)
}

func (s *Store) broadcastLocked(collection, id string, doc store.Fields, deleted bool) {
	for sub := range s.subscribers {
		if sub.collection != collection {
			continue
		}
		if sub.byID {
			if sub.id != id {
				continue
			}
		} else if !deleted && !store.SameValue(doc[sub.field], sub.value) {
			continue
		}

		event := store.Event{Collection: collection, ID: id, Deleted: deleted}
		if doc != nil {
			clone, err := cloneFields(doc)
			if err != nil {
				continue
			}
			event.Fields = clone
		}
		select {
		case sub.ch <- event:
		default:
			// Slow consumers drop their oldest event instead of blocking writers.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- event
		}
	}
}

// normalize resolves ServerTimestamp sentinels against the store clock and
// round-trips the fields through JSON so every stored value has a generic
// shape.
func (s *Store) normalize(fields store.Fields) (store.Fields, error) {
	resolved := make(store.Fields, len(fields))
	now := s.clock()
	for k, v := range fields {
		if v == store.ServerTimestamp {
			resolved[k] = now
			continue
		}
		resolved[k] = v
	}
	return store.Encode(resolved)
}

func cloneFields(fields store.Fields) (store.Fields, error) {
	return store.Encode(fields)
}
