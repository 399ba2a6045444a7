package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"live-quiz-service/internal/domain"
	"github.com/uptrace/bun"
)

type sessionResultRow struct {
	bun.BaseModel `bun:"table:session_results"`

	SessionID         string          `bun:"session_id,pk"`
	UserID            string          `bun:"user_id,pk"`
	QuizID            string          `bun:"quiz_id"`
	QuizName          string          `bun:"quiz_name"`
	UserName          string          `bun:"user_name"`
	TotalQuestions    int             `bun:"total_questions"`
	FinalScore        int             `bun:"final_score"`
	QuestionsAnswered int             `bun:"questions_answered"`
	FinalPercentage   float64         `bun:"final_percentage"`
	Answers           json.RawMessage `bun:"answers,type:jsonb"`
	JoinedAt          time.Time       `bun:"joined_at"`
	EndedAt           time.Time       `bun:"ended_at"`
}

// ResultArchiver copies final session results into Postgres when a session
// ends, so reviews and reporting never touch the live document store.
type ResultArchiver struct {
	db *bun.DB
}

func NewResultArchiver(db *bun.DB) *ResultArchiver {
	return &ResultArchiver{db: db}
}

func (a *ResultArchiver) Archive(ctx context.Context, session domain.Session, participants []domain.Participant) error {
	if len(participants) == 0 {
		return nil
	}

	rows := make([]sessionResultRow, 0, len(participants))
	for _, p := range participants {
		answers, err := json.Marshal(p.Answers)
		if err != nil {
			return fmt.Errorf("marshal answers for %s: %w", p.UserID, err)
		}
		percentage := 0.0
		if p.QuestionsAnswered > 0 {
			percentage = float64(p.CurrentScore) / float64(p.QuestionsAnswered) * 100
		}
		rows = append(rows, sessionResultRow{
			SessionID:         session.SessionID,
			UserID:            p.UserID,
			QuizID:            session.QuizID,
			QuizName:          session.QuizName,
			UserName:          p.UserName,
			TotalQuestions:    session.TotalQuestions,
			FinalScore:        p.CurrentScore,
			QuestionsAnswered: p.QuestionsAnswered,
			FinalPercentage:   percentage,
			Answers:           answers,
			JoinedAt:          p.JoinedAt,
			EndedAt:           session.EndedAt,
		})
	}

	_, err := a.db.NewInsert().
		Model(&rows).
		On("CONFLICT (session_id, user_id) DO UPDATE").
		Set("final_score = EXCLUDED.final_score").
		Set("questions_answered = EXCLUDED.questions_answered").
		Set("final_percentage = EXCLUDED.final_percentage").
		Set("answers = EXCLUDED.answers").
		Set("ended_at = EXCLUDED.ended_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert session results: %w", err)
	}
	return nil
}
