package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"live-quiz-service/internal/store"
	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed implementation of store.Store. Each document is a
// JSON value under doc:{collection}:{id}; every committed change is published
// on store:{collection} so watchers see updates without polling. Guarded
// updates/deletes run inside WATCH transactions.
type Store struct {
	client *redis.Client
	clock  func() time.Time
}

// NewStore wraps a Redis client as a document store.
func NewStore(client *redis.Client) *Store {
	return NewStoreWithClock(client, time.Now)
}

// NewStoreWithClock allows deterministic server timestamps in tests.
func NewStoreWithClock(client *redis.Client, clock func() time.Time) *Store {
	return &Store{client: client, clock: clock}
}

type changeMessage struct {
	ID      string       `json:"id"`
	Fields  store.Fields `json:"fields,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Fields, error) {
	raw, err := s.client.Get(ctx, docKey(collection, id)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(raw)
}

func (s *Store) Set(ctx context.Context, collection, id string, fields store.Fields) error {
	normalized, err := s.normalize(fields)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, docKey(collection, id), raw, 0).Err(); err != nil {
		return err
	}
	return s.publish(ctx, collection, changeMessage{ID: id, Fields: normalized})
}

func (s *Store) Update(ctx context.Context, collection, id string, fields store.Fields) error {
	return s.guardedMerge(ctx, collection, id, "", nil, fields, false)
}

func (s *Store) UpdateIf(ctx context.Context, collection, id, guardField string, expect any, fields store.Fields) error {
	return s.guardedMerge(ctx, collection, id, guardField, expect, fields, true)
}

// guardedMerge merges fields into a document inside a WATCH transaction so
// concurrent writers cannot interleave between the read and the write.
func (s *Store) guardedMerge(ctx context.Context, collection, id, guardField string, expect any, fields store.Fields, guarded bool) error {
	normalized, err := s.normalize(fields)
	if err != nil {
		return err
	}
	key := docKey(collection, id)

	var merged store.Fields
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return err
		}
		if guarded && !store.SameValue(doc[guardField], expect) {
			return store.ErrConflict
		}
		for k, v := range normalized {
			doc[k] = v
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		merged = doc
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}
	return s.publish(ctx, collection, changeMessage{ID: id, Fields: merged})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	deleted, err := s.client.Del(ctx, docKey(collection, id)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}
	return s.publish(ctx, collection, changeMessage{ID: id, Deleted: true})
}

func (s *Store) DeleteIf(ctx context.Context, collection, id, guardField string, expect any) error {
	key := docKey(collection, id)
	removed := false

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return err
		}
		if !store.SameValue(doc[guardField], expect) {
			return store.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		removed = err == nil
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	return s.publish(ctx, collection, changeMessage{ID: id, Deleted: true})
}

func (s *Store) Query(ctx context.Context, collection, field string, value any) ([]store.Document, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	matched := docs[:0]
	for _, doc := range docs {
		if store.SameValue(doc.Fields[field], value) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Document, error) {
	prefix := docKey(collection, "")
	var docs []store.Document
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // deleted between scan and read
		}
		if err != nil {
			return nil, err
		}
		fields, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Document{ID: strings.TrimPrefix(key, prefix), Fields: fields})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) Watch(ctx context.Context, collection, id string) (*store.Subscription, error) {
	return s.subscribe(ctx, collection, func(msg changeMessage) bool {
		return msg.ID == id
	})
}

func (s *Store) WatchQuery(ctx context.Context, collection, field string, value any) (*store.Subscription, error) {
	return s.subscribe(ctx, collection, func(msg changeMessage) bool {
		if msg.Deleted {
			// Deletions carry no fields; let the consumer match by id.
			return true
		}
		return store.SameValue(msg.Fields[field], value)
	})
}

func (s *Store) subscribe(ctx context.Context, collection string, match func(changeMessage) bool) (*store.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channelKey(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	events := make(chan store.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(events)
		for {
			select {
			case <-done:
				return
			case raw, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var msg changeMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				if !match(msg) {
					continue
				}
				event := store.Event{
					Collection: collection,
					ID:         msg.ID,
					Fields:     msg.Fields,
					Deleted:    msg.Deleted,
				}
				select {
				case events <- event:
				default:
					// Slow consumers drop their oldest event instead of blocking.
					select {
					case <-events:
					default:
					}
					events <- event
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return store.NewSubscription(events, stop), nil
}

func (s *Store) publish(ctx context.Context, collection string, msg changeMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channelKey(collection), raw).Err()
}

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

func decodeDoc(raw string) (store.Fields, error) {
	var fields store.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func docKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

func channelKey(collection string) string {
	return "store:" + collection
}
