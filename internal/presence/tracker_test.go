package presence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/presence"
	"live-quiz-service/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails heartbeat writes on demand while the rest of the store
// keeps working, simulating a client that lost its connection.
type flakyStore struct {
	store.Store

	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *flakyStore) Update(ctx context.Context, collection, id string, fields store.Fields) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("connection lost")
	}
	return s.Store.Update(ctx, collection, id, fields)
}

func getPresence(t *testing.T, st store.Store, quizID, userID string) domain.Presence {
	t.Helper()
	fields, err := st.Get(context.Background(), presence.Collection, quizID+"_"+userID)
	if err != nil {
		t.Fatalf("get presence record: %v", err)
	}
	var record domain.Presence
	if err := store.Decode(fields, &record); err != nil {
		t.Fatalf("decode presence record: %v", err)
	}
	return record
}

func TestJoinCreatesAndRefreshesRecord(t *testing.T) {
	docs := memory.NewStore()
	tracker := presence.NewTracker(docs, time.Hour, 3)
	ctx := context.Background()

	hb, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	record := getPresence(t, docs, "quiz-1", "u1")
	if record.ConnectionStatus != domain.ConnectionStable || record.MissedHeartbeats != 0 {
		t.Fatalf("unexpected fresh record: %+v", record)
	}

	// A second join for the same (quiz, user) refreshes instead of duplicating.
	again, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	record = getPresence(t, docs, "quiz-1", "u1")
	if record.ConnectionStatus != domain.ConnectionReconnected {
		t.Fatalf("expected reconnected status after rejoin, got %s", record.ConnectionStatus)
	}
	all, err := docs.List(ctx, presence.Collection)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single record, got %d", len(all))
	}

	if err := again.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	hb.Pause() // first handle's record is gone; keep its loop quiet
}

func TestMissedHeartbeatsEvictRecord(t *testing.T) {
	flaky := &flakyStore{Store: memory.NewStore()}
	tracker := presence.NewTracker(flaky, 5*time.Millisecond, 3)
	ctx := context.Background()

	hb, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	flaky.setFailing(true)

	deadline := time.Now().Add(2 * time.Second)
	for !hb.Stopped() {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat loop never stopped; missed=%d", hb.Missed())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if hb.Missed() != 3 {
		t.Fatalf("expected eviction at 3 missed heartbeats, got %d", hb.Missed())
	}
	if _, err := flaky.Get(ctx, presence.Collection, "quiz-1_u1"); err != store.ErrNotFound {
		t.Fatalf("expected record evicted, got %v", err)
	}
}

func TestTransientFailureResetsOnSuccess(t *testing.T) {
	flaky := &flakyStore{Store: memory.NewStore()}
	// High threshold so slow scheduling cannot evict before recovery.
	tracker := presence.NewTracker(flaky, 5*time.Millisecond, 1000)
	ctx := context.Background()

	hb, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer hb.Leave(ctx)

	flaky.setFailing(true)
	deadline := time.Now().Add(2 * time.Second)
	for hb.Missed() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("never observed a missed heartbeat")
		}
		time.Sleep(time.Millisecond)
	}
	flaky.setFailing(false)

	deadline = time.Now().Add(2 * time.Second)
	for hb.Missed() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("missed count never reset, got %d", hb.Missed())
		}
		time.Sleep(time.Millisecond)
	}
	if hb.Stopped() {
		t.Fatalf("loop must survive a transient failure")
	}
}

func TestLeaveRemovesRecord(t *testing.T) {
	docs := memory.NewStore()
	tracker := presence.NewTracker(docs, time.Hour, 3)
	ctx := context.Background()

	hb, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := hb.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !hb.Stopped() {
		t.Fatalf("expected loop stopped after leave")
	}
	if _, err := docs.Get(ctx, presence.Collection, "quiz-1_u1"); err != store.ErrNotFound {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestResumeReportsReconnected(t *testing.T) {
	docs := memory.NewStore()
	tracker := presence.NewTracker(docs, time.Hour, 3)
	ctx := context.Background()

	hb, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer hb.Leave(ctx)

	hb.Pause()
	hb.Resume()

	record := getPresence(t, docs, "quiz-1", "u1")
	if record.ConnectionStatus != domain.ConnectionReconnected {
		t.Fatalf("expected reconnected status after resume, got %s", record.ConnectionStatus)
	}
}

func TestSweepRemovesOnlyStaleRecords(t *testing.T) {
	clock := newFakeClock()
	docs := memory.NewStoreWithClock(clock.Now)
	tracker := presence.NewTrackerWithClock(docs, time.Hour, 3, clock.Now)
	ctx := context.Background()

	stale, err := tracker.Join(ctx, "quiz-1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join stale: %v", err)
	}
	stale.Pause()

	clock.Advance(10 * time.Minute)

	fresh, err := tracker.Join(ctx, "quiz-1", "u2", "Bob")
	if err != nil {
		t.Fatalf("join fresh: %v", err)
	}
	defer fresh.Leave(ctx)

	removed, err := tracker.Sweep(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 record swept, got %d", removed)
	}
	if _, err := docs.Get(ctx, presence.Collection, "quiz-1_u1"); err != store.ErrNotFound {
		t.Fatalf("expected stale record removed, got %v", err)
	}
	if _, err := docs.Get(ctx, presence.Collection, "quiz-1_u2"); err != nil {
		t.Fatalf("expected fresh record kept, got %v", err)
	}
}
