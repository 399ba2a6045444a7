package live

import (
	"context"
	"fmt"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/store"
)

// SubmitResult summarizes the outcome of a submission for a single user.
type SubmitResult struct {
	IsCorrect         bool
	NewScore          int
	QuestionsAnswered int
	Percentage        float64
}

// SubmitAnswer validates and records a user's answer for the given question.
// The question snapshot travels with the submission so the record stays
// accurate even if the host edits the question afterwards.
func (c *Coordinator) SubmitAnswer(ctx context.Context, sessionID, userID string, questionIndex int, answer string, question domain.Question) (SubmitResult, error) {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if session.IsEditing {
		return SubmitResult{}, domain.ErrEditingInProgress
	}
	return c.applyAnswer(ctx, session, userID, questionIndex, answer, question, false)
}

// AutoSubmitUnanswered synthesizes an incorrect, auto-submitted record for
// every participant who has not answered questionIndex yet. Running it twice
// is a no-op for participants who already hold a record at that index.
func (c *Coordinator) AutoSubmitUnanswered(ctx context.Context, sessionID string, questionIndex int) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	quiz, err := c.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return err
	}
	if questionIndex < 0 || questionIndex >= len(quiz.Questions) {
		return domain.ErrQuestionNotFound
	}
	question := quiz.Questions[questionIndex]

	participants, err := c.ListParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if _, answered := p.AnswerFor(questionIndex); answered {
			continue
		}
		if _, err := c.applyAnswer(ctx, session, p.UserID, questionIndex, "", question, true); err != nil {
			return fmt.Errorf("auto-submit for %s: %w", p.UserID, err)
		}
	}
	return nil
}

// applyAnswer holds the shared scoring path for real and auto submissions.
// The participant document is updated under a guard on questionsAnswered so
// a host-triggered auto-submit racing the student's own write cannot lose
// either update.
func (c *Coordinator) applyAnswer(ctx context.Context, session domain.Session, userID string, questionIndex int, answer string, question domain.Question, auto bool) (SubmitResult, error) {
	id := participantID(session.SessionID, userID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		fields, err := c.store.Get(ctx, CollectionParticipants, id)
		if err == store.ErrNotFound {
			return SubmitResult{}, domain.ErrParticipantNotFound
		}
		if err != nil {
			return SubmitResult{}, fmt.Errorf("get participant: %w", err)
		}
		var participant domain.Participant
		if err := store.Decode(fields, &participant); err != nil {
			return SubmitResult{}, fmt.Errorf("decode participant: %w", err)
		}

		if auto {
			if _, answered := participant.AnswerFor(questionIndex); answered {
				return SubmitResult{}, nil
			}
		}

		record := domain.Answer{
			QuestionIndex:   questionIndex,
			QuestionText:    question.Text,
			Options:         append([]string{}, question.Options...),
			CorrectOption:   question.Answer,
			UserAnswer:      answer,
			IsCorrect:       !auto && answer != "" && answer == question.Answer,
			TimeSpent:       c.timeSpent(session, auto),
			IsAutoSubmitted: auto,
			AnsweredAt:      c.now(),
		}

		// Replace in place rather than append; an edit cycle may re-answer
		// but never duplicates the record for a question index.
		answers := append([]domain.Answer{}, participant.Answers...)
		replaced := false
		for i := range answers {
			if answers[i].QuestionIndex == questionIndex {
				answers[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			answers = append(answers, record)
		}

		score := scoreOf(answers)
		answered := len(answers)

		if !auto && c.journal != nil {
			if err := c.journal.Record(session.SessionID, userID, record); err != nil {
				return SubmitResult{}, fmt.Errorf("journal answer: %w", err)
			}
		}

		err = c.store.UpdateIf(ctx, CollectionParticipants, id, "questionsAnswered", participant.QuestionsAnswered, store.Fields{
			"answers":           answers,
			"currentScore":      score,
			"questionsAnswered": answered,
			"lastSeen":          store.ServerTimestamp,
		})
		if err == store.ErrConflict {
			continue // concurrent submit/auto-submit touched this participant
		}
		if err != nil {
			return SubmitResult{}, fmt.Errorf("update participant: %w", err)
		}

		percentage := 0.0
		if answered > 0 {
			percentage = float64(score) / float64(answered) * 100
		}
		if err := c.upsertResult(ctx, session, userID, answers, score, answered, percentage); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{
			IsCorrect:         record.IsCorrect,
			NewScore:          score,
			QuestionsAnswered: answered,
			Percentage:        percentage,
		}, nil
	}
	return SubmitResult{}, domain.ErrConcurrentUpdate
}

// timeSpent measures elapsed seconds since the question became active.
// Auto-submitted answers always record the full time limit; the participant
// was given every second of it.
func (c *Coordinator) timeSpent(session domain.Session, auto bool) int {
	if auto {
		return session.QuestionTimeLimit
	}
	if session.QuestionStartTime.IsZero() {
		return 0
	}
	elapsed := int(c.now().Sub(session.QuestionStartTime).Seconds())
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// upsertResult maintains the denormalized per-(session, user) result record.
func (c *Coordinator) upsertResult(ctx context.Context, session domain.Session, userID string, answers []domain.Answer, score, answered int, percentage float64) error {
	id := participantID(session.SessionID, userID)

	update := store.Fields{
		"answers":           answers,
		"currentScore":      score,
		"questionsAnswered": answered,
		"currentPercentage": percentage,
		"lastAnsweredAt":    store.ServerTimestamp,
	}
	err := c.store.Update(ctx, CollectionResults, id, update)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("update result: %w", err)
	}

	initial := store.Fields{
		"sessionId":         session.SessionID,
		"quizId":            session.QuizID,
		"quizName":          session.QuizName,
		"userId":            userID,
		"totalQuestions":    session.TotalQuestions,
		"currentScore":      score,
		"questionsAnswered": answered,
		"currentPercentage": percentage,
		"status":            domain.ResultInProgress,
		"answers":           answers,
		"startedAt":         store.ServerTimestamp,
		"lastAnsweredAt":    store.ServerTimestamp,
	}
	if err := c.store.Set(ctx, CollectionResults, id, initial); err != nil {
		return fmt.Errorf("create result: %w", err)
	}
	return nil
}

// rewriteResult re-derives a result record after an edit cycle removed
// answers, keeping the denormalized copy consistent with the participant.
func (c *Coordinator) rewriteResult(ctx context.Context, session domain.Session, userID string, answers []domain.Answer) error {
	id := participantID(session.SessionID, userID)
	score := scoreOf(answers)
	answered := len(answers)
	percentage := 0.0
	if answered > 0 {
		percentage = float64(score) / float64(answered) * 100
	}
	err := c.store.Update(ctx, CollectionResults, id, store.Fields{
		"answers":           answers,
		"currentScore":      score,
		"questionsAnswered": answered,
		"currentPercentage": percentage,
	})
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("rewrite result: %w", err)
	}
	return nil
}
