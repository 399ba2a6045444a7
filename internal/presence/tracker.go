// Package presence maintains liveness records for students taking a quiz,
// driven by periodic heartbeats against the document store.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/store"
)

// Collection is the document collection holding presence records.
const Collection = "activeUsers"

const (
	// DefaultInterval is the recommended heartbeat cadence.
	DefaultInterval = 15 * time.Second
	// DefaultMaxMissed is the consecutive-failure threshold before eviction.
	DefaultMaxMissed = 3
)

// Tracker creates and sweeps presence records.
type Tracker struct {
	store     store.Store
	interval  time.Duration
	maxMissed int
	now       func() time.Time
}

// NewTracker builds a tracker with the given heartbeat cadence and failure
// threshold; zero values fall back to the defaults.
func NewTracker(st store.Store, interval time.Duration, maxMissed int) *Tracker {
	return NewTrackerWithClock(st, interval, maxMissed, time.Now)
}

// NewTrackerWithClock allows deterministic timestamps in tests.
func NewTrackerWithClock(st store.Store, interval time.Duration, maxMissed int, now func() time.Time) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissed
	}
	return &Tracker{store: st, interval: interval, maxMissed: maxMissed, now: now}
}

// Join registers the user as present for a quiz and starts the heartbeat
// loop. Joining again for the same (quiz, user) refreshes the existing
// record instead of duplicating it.
func (t *Tracker) Join(ctx context.Context, quizID, userID, userName string) (*Heartbeat, error) {
	id := presenceID(quizID, userID)

	_, err := t.store.Get(ctx, Collection, id)
	switch err {
	case nil:
		refresh := store.Fields{
			"lastSeen":         store.ServerTimestamp,
			"status":           "active",
			"missedHeartbeats": 0,
			"connectionStatus": domain.ConnectionReconnected,
		}
		if err := t.store.Update(ctx, Collection, id, refresh); err != nil {
			return nil, fmt.Errorf("refresh presence: %w", err)
		}
	case store.ErrNotFound:
		record := store.Fields{
			"quizId":           quizID,
			"userId":           userID,
			"userName":         userName,
			"joinedAt":         store.ServerTimestamp,
			"lastSeen":         store.ServerTimestamp,
			"status":           "active",
			"missedHeartbeats": 0,
			"connectionStatus": domain.ConnectionStable,
		}
		if err := t.store.Set(ctx, Collection, id, record); err != nil {
			return nil, fmt.Errorf("create presence: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup presence: %w", err)
	}

	hb := &Heartbeat{tracker: t, docID: id, stop: make(chan struct{})}
	go hb.loop()
	return hb, nil
}

// Sweep deletes presence records whose last heartbeat is older than maxAge.
// Deletes are conditional on the observed lastSeen, so a record refreshed
// between the read and the delete survives.
func (t *Tracker) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	docs, err := t.store.List(ctx, Collection)
	if err != nil {
		return 0, fmt.Errorf("list presence: %w", err)
	}
	cutoff := t.now().Add(-maxAge)

	removed := 0
	for _, doc := range docs {
		var record domain.Presence
		if err := store.Decode(doc.Fields, &record); err != nil {
			continue
		}
		if !record.LastSeen.Before(cutoff) {
			continue
		}
		err := t.store.DeleteIf(ctx, Collection, doc.ID, "lastSeen", doc.Fields["lastSeen"])
		if err == store.ErrConflict {
			continue // refreshed while we were sweeping
		}
		if err != nil {
			return removed, fmt.Errorf("delete stale presence %s: %w", doc.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Heartbeat is the running liveness loop for one joined user. The caller
// owns the handle; Leave stops the loop and removes the record.
type Heartbeat struct {
	tracker *Tracker
	docID   string

	mu      sync.Mutex
	missed  int
	paused  bool
	stopped bool
	stop    chan struct{}
}

func (h *Heartbeat) loop() {
	ticker := time.NewTicker(h.tracker.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			skip := h.paused || h.stopped
			h.mu.Unlock()
			if skip {
				continue
			}
			h.beat(domain.ConnectionStable)
		}
	}
}

// beat refreshes the record, or accounts a missed heartbeat on failure and
// evicts the record once the threshold is reached. A transient failure is
// simply retried by the next tick.
func (h *Heartbeat) beat(status domain.ConnectionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), h.tracker.interval)
	defer cancel()

	err := h.tracker.store.Update(ctx, Collection, h.docID, store.Fields{
		"lastSeen":         store.ServerTimestamp,
		"connectionStatus": status,
		"missedHeartbeats": 0,
	})
	if err == nil {
		h.mu.Lock()
		h.missed = 0
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	h.missed++
	missed := h.missed
	h.mu.Unlock()
	log.Printf("presence heartbeat failed (%d/%d) for %s: %v", missed, h.tracker.maxMissed, h.docID, err)

	// Best effort; the record may be unreachable for the same reason.
	_ = h.tracker.store.Update(ctx, Collection, h.docID, store.Fields{
		"connectionStatus": domain.ConnectionUnstable,
		"missedHeartbeats": missed,
	})

	if missed >= h.tracker.maxMissed {
		log.Printf("presence evicting %s after %d missed heartbeats", h.docID, missed)
		_ = h.tracker.store.Delete(ctx, Collection, h.docID)
		h.shutdown()
	}
}

// Pause suspends the loop while the client is not in a foreground state.
func (h *Heartbeat) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

// Resume restarts the loop and immediately reports a reconnected heartbeat.
func (h *Heartbeat) Resume() {
	h.mu.Lock()
	wasStopped := h.stopped
	h.paused = false
	h.mu.Unlock()
	if wasStopped {
		return
	}
	h.beat(domain.ConnectionReconnected)
}

// Leave stops the loop and removes the presence record. Callers should also
// invoke it on process shutdown as best-effort cleanup; the sweep is the
// correctness backstop when that call never lands.
func (h *Heartbeat) Leave(ctx context.Context) error {
	h.shutdown()
	if err := h.tracker.store.Delete(ctx, Collection, h.docID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// Stopped reports whether the loop has terminated (evicted or left).
func (h *Heartbeat) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Missed returns the current consecutive-failure count.
func (h *Heartbeat) Missed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}

func (h *Heartbeat) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
}

func presenceID(quizID, userID string) string {
	return quizID + "_" + userID
}
