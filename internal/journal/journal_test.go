package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "answers.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func answerAt(index int, userAnswer string) domain.Answer {
	return domain.Answer{
		QuestionIndex: index,
		QuestionText:  "Capital of France?",
		Options:       []string{"Paris", "Lyon"},
		CorrectOption: "Paris",
		UserAnswer:    userAnswer,
		IsCorrect:     userAnswer == "Paris",
		TimeSpent:     5,
		AnsweredAt:    time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC),
	}
}

func TestJournalRecordAndPending(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record("s1", "u1", answerAt(1, "Lyon")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("s1", "u1", answerAt(0, "Paris")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("s1", "u2", answerAt(0, "Paris")); err != nil {
		t.Fatalf("record other user: %v", err)
	}

	pending, err := j.Pending(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending answers, got %d", len(pending))
	}
	// Ordered by question index regardless of insert order.
	if pending[0].QuestionIndex != 0 || pending[1].QuestionIndex != 1 {
		t.Fatalf("expected index order, got %d then %d", pending[0].QuestionIndex, pending[1].QuestionIndex)
	}
	if pending[0].UserAnswer != "Paris" || !pending[0].IsCorrect {
		t.Fatalf("round-trip lost fields: %+v", pending[0])
	}
}

func TestJournalRecordReplacesSameQuestion(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record("s1", "u1", answerAt(0, "Lyon")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("s1", "u1", answerAt(0, "Paris")); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	pending, err := j.Pending(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected a single entry after re-answer, got %d", len(pending))
	}
	if pending[0].UserAnswer != "Paris" {
		t.Fatalf("expected latest answer kept, got %q", pending[0].UserAnswer)
	}
}

func TestJournalClear(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record("s1", "u1", answerAt(0, "Paris")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("s1", "u2", answerAt(0, "Paris")); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := j.Clear(ctx, "s1", "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if pending, _ := j.Pending(ctx, "s1", "u1"); len(pending) != 0 {
		t.Fatalf("expected u1 journal cleared, got %d entries", len(pending))
	}
	if pending, _ := j.Pending(ctx, "s1", "u2"); len(pending) != 1 {
		t.Fatalf("expected u2 journal untouched, got %d entries", len(pending))
	}
}
