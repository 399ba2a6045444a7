package live

import (
	"context"
	"sort"
	"sync"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/store"
)

// SessionUpdate is one observed change to a watched session document.
type SessionUpdate struct {
	Session domain.Session
	Deleted bool
}

// SessionWatch streams changes to one session. The caller owns the handle
// and must call Close when done.
type SessionWatch struct {
	sub     *store.Subscription
	updates chan SessionUpdate
	done    chan struct{}
	once    sync.Once
}

// WatchSession subscribes to a session document. The current state is
// delivered first, then every subsequent committed change in write order.
func (c *Coordinator) WatchSession(ctx context.Context, sessionID string) (*SessionWatch, error) {
	sub, err := c.store.Watch(ctx, CollectionSessions, sessionID)
	if err != nil {
		return nil, err
	}
	initial, err := c.GetSession(ctx, sessionID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	w := &SessionWatch{
		sub:     sub,
		updates: make(chan SessionUpdate, 16),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.updates)
		if !w.deliver(SessionUpdate{Session: initial}) {
			return
		}
		for event := range sub.Events() {
			if event.Deleted {
				if !w.deliver(SessionUpdate{Deleted: true}) {
					return
				}
				continue
			}
			var session domain.Session
			if err := store.Decode(event.Fields, &session); err != nil {
				continue
			}
			if !w.deliver(SessionUpdate{Session: session}) {
				return
			}
		}
	}()
	return w, nil
}

// deliver sends one update unless the handle has been closed. A consumer
// that stopped draining must not pin the delivery goroutine past Close.
func (w *SessionWatch) deliver(update SessionUpdate) bool {
	select {
	case w.updates <- update:
		return true
	case <-w.done:
		return false
	}
}

// Updates is the ordered stream of session states. Closed after Close.
func (w *SessionWatch) Updates() <-chan SessionUpdate {
	return w.updates
}

// Close detaches the watch and releases its delivery goroutine.
func (w *SessionWatch) Close() {
	w.once.Do(func() {
		close(w.done)
		w.sub.Close()
	})
}

// ParticipantsWatch streams the full participant roster of a session,
// re-derived from the underlying per-participant writes.
type ParticipantsWatch struct {
	sub     *store.Subscription
	updates chan []domain.Participant
	done    chan struct{}
	once    sync.Once
}

// WatchParticipants subscribes to every participant of a session. Each
// delivery is the complete roster ordered by join time.
func (c *Coordinator) WatchParticipants(ctx context.Context, sessionID string) (*ParticipantsWatch, error) {
	sub, err := c.store.WatchQuery(ctx, CollectionParticipants, "sessionId", sessionID)
	if err != nil {
		return nil, err
	}
	initial, err := c.ListParticipants(ctx, sessionID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	roster := make(map[string]domain.Participant, len(initial))
	for _, p := range initial {
		roster[participantID(sessionID, p.UserID)] = p
	}

	w := &ParticipantsWatch{
		sub:     sub,
		updates: make(chan []domain.Participant, 16),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.updates)
		if !w.deliver(rosterSlice(roster)) {
			return
		}
		for event := range sub.Events() {
			if event.Deleted {
				if _, known := roster[event.ID]; !known {
					continue
				}
				delete(roster, event.ID)
			} else {
				var p domain.Participant
				if err := store.Decode(event.Fields, &p); err != nil {
					continue
				}
				roster[event.ID] = p
			}
			if !w.deliver(rosterSlice(roster)) {
				return
			}
		}
	}()
	return w, nil
}

// deliver sends one roster unless the handle has been closed.
func (w *ParticipantsWatch) deliver(roster []domain.Participant) bool {
	select {
	case w.updates <- roster:
		return true
	case <-w.done:
		return false
	}
}

// Updates delivers the roster after every observed change. Closed after Close.
func (w *ParticipantsWatch) Updates() <-chan []domain.Participant {
	return w.updates
}

// Close detaches the watch and releases its delivery goroutine.
func (w *ParticipantsWatch) Close() {
	w.once.Do(func() {
		close(w.done)
		w.sub.Close()
	})
}

func rosterSlice(roster map[string]domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(roster))
	for _, p := range roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
