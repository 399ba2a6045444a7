// Package live implements the live-quiz session coordinator: session
// lifecycle, participant registry, and answer processing on top of a generic
// document store.
package live

import (
	"context"
	"fmt"
	"sort"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/store"
	"github.com/google/uuid"
)

// Collection names used in the document store.
const (
	CollectionSessions     = "liveQuizSessions"
	CollectionParticipants = "liveParticipants"
	CollectionResults      = "liveQuizResults"
)

// casAttempts bounds the retry loops around guarded document updates that
// may legitimately contend (many students joining at once).
const casAttempts = 5

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Journal is an optional durable local buffer for in-flight answers, so a
// client crash between "answer chosen" and "answer committed" loses nothing.
type Journal interface {
	Record(sessionID, userID string, answer domain.Answer) error
}

// ResultSink receives the final participant states when a session ends.
type ResultSink interface {
	Archive(ctx context.Context, session domain.Session, participants []domain.Participant) error
}

// Coordinator owns the lifecycle of live quiz sessions.
type Coordinator struct {
	store   store.Store
	quizzes QuizRepository
	now     func() time.Time
	codes   *codeGenerator

	journal Journal
	results ResultSink
}

// NewCoordinator builds a coordinator over a document store and quiz source.
func NewCoordinator(st store.Store, quizzes QuizRepository) *Coordinator {
	return NewCoordinatorWithClock(st, quizzes, time.Now)
}

// NewCoordinatorWithClock allows deterministic timestamps in tests.
func NewCoordinatorWithClock(st store.Store, quizzes QuizRepository, now func() time.Time) *Coordinator {
	return &Coordinator{
		store:   st,
		quizzes: quizzes,
		now:     now,
		codes:   newCodeGenerator(),
	}
}

// AttachJournal enables local write-ahead journaling of real submissions.
func (c *Coordinator) AttachJournal(j Journal) {
	c.journal = j
}

// AttachResultSink enables archiving of final results when sessions end.
func (c *Coordinator) AttachResultSink(sink ResultSink) {
	c.results = sink
}

// CreateSession snapshots the quiz's question count, allocates a unique join
// code, and writes a new session in the waiting phase.
func (c *Coordinator) CreateSession(ctx context.Context, quizID, hostID, hostName string, settings domain.SessionSettings, questionTimeLimit int) (domain.Session, error) {
	quiz, err := c.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Session{}, err
	}

	code, err := c.allocateCode(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	sessionID := "live_" + uuid.NewString()
	if questionTimeLimit <= 0 {
		questionTimeLimit = 30
	}

	fields := store.Fields{
		"sessionId":            sessionID,
		"sessionCode":          code,
		"quizId":               quizID,
		"quizName":             quiz.Name,
		"hostId":               hostID,
		"hostName":             hostName,
		"totalQuestions":       len(quiz.Questions),
		"status":               domain.PhaseWaiting,
		"currentQuestionIndex": -1,
		"questionStartTime":    nil,
		"questionTimeLimit":    questionTimeLimit,
		"isEditing":            false,
		"editingQuestionIndex": -1,
		"participants":         []string{},
		"participantCount":     0,
		"settings":             settings,
		"version":              0,
		"createdAt":            store.ServerTimestamp,
	}
	if err := c.store.Set(ctx, CollectionSessions, sessionID, fields); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return c.GetSession(ctx, sessionID)
}

// JoinResult is the outcome of a join attempt. AlreadyJoined marks the
// idempotent rejoin case (a student reloading the page).
type JoinResult struct {
	Session       domain.Session
	AlreadyJoined bool
}

// JoinSession adds a user to the session identified by its join code.
func (c *Coordinator) JoinSession(ctx context.Context, code, userID, userName string) (JoinResult, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		session, err := c.SessionByCode(ctx, code)
		if err != nil {
			return JoinResult{}, err
		}
		if session.Phase.Terminal() {
			return JoinResult{}, domain.ErrSessionEnded
		}
		if session.Phase != domain.PhaseWaiting && !session.Settings.AllowLateJoin {
			return JoinResult{}, domain.ErrSessionStarted
		}
		if session.HasParticipant(userID) {
			// The roster and the participant document are separate writes; a
			// join that won the roster update but never landed the document
			// would otherwise leave the user unable to submit forever.
			if err := c.ensureParticipant(ctx, session.SessionID, userID, userName); err != nil {
				return JoinResult{}, err
			}
			return JoinResult{Session: session, AlreadyJoined: true}, nil
		}

		roster := append(append([]string{}, session.Participants...), userID)
		err = c.store.UpdateIf(ctx, CollectionSessions, session.SessionID, "version", session.Version, store.Fields{
			"participants":     roster,
			"participantCount": len(roster),
			"version":          session.Version + 1,
		})
		if err == store.ErrConflict {
			continue // another student joined first; re-read and retry
		}
		if err != nil {
			return JoinResult{}, fmt.Errorf("join session: %w", err)
		}

		if err := c.createParticipant(ctx, session.SessionID, userID, userName); err != nil {
			return JoinResult{}, err
		}

		session, err = c.GetSession(ctx, session.SessionID)
		if err != nil {
			return JoinResult{}, err
		}
		return JoinResult{Session: session}, nil
	}
	return JoinResult{}, domain.ErrConcurrentUpdate
}

// StartQuiz moves a waiting session to the active phase at question 0.
func (c *Coordinator) StartQuiz(ctx context.Context, sessionID string) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseWaiting {
		return domain.ErrInvalidPhase
	}
	return c.mutateSession(ctx, session, store.Fields{
		"status":               domain.PhaseActive,
		"currentQuestionIndex": 0,
		"questionStartTime":    store.ServerTimestamp,
	})
}

// NextQuestion auto-submits stragglers for the current question, then
// advances the session and restarts the question timer. Advancing past the
// last question is a caller error; hosts are expected to call EndSession.
func (c *Coordinator) NextQuestion(ctx context.Context, sessionID string, currentIndex int) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseActive || session.CurrentQuestionIndex != currentIndex {
		return domain.ErrInvalidPhase
	}
	if currentIndex+1 >= session.TotalQuestions {
		return domain.ErrQuestionNotFound
	}

	// Every straggler's answer must be committed before any client can
	// observe the new question index.
	if err := c.AutoSubmitUnanswered(ctx, sessionID, currentIndex); err != nil {
		return err
	}

	return c.mutateSession(ctx, session, store.Fields{
		"currentQuestionIndex": currentIndex + 1,
		"questionStartTime":    store.ServerTimestamp,
		"isEditing":            false,
		"editingQuestionIndex": -1,
	})
}

// BeginEdit freezes the active question while the host edits it. The
// question-start timestamp is left untouched; clients stop their visible
// timers while the phase is editing.
func (c *Coordinator) BeginEdit(ctx context.Context, sessionID string, questionIndex int) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseActive {
		return domain.ErrInvalidPhase
	}
	return c.mutateSession(ctx, session, store.Fields{
		"status":               domain.PhaseEditing,
		"isEditing":            true,
		"editingQuestionIndex": questionIndex,
	})
}

// FinishEdit clears every participant's answer for the edited question so it
// can be re-answered fairly, then reactivates the session with a fresh timer.
func (c *Coordinator) FinishEdit(ctx context.Context, sessionID string, questionIndex int) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseEditing {
		return domain.ErrInvalidPhase
	}

	participants, err := c.ListParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		kept := make([]domain.Answer, 0, len(p.Answers))
		for _, a := range p.Answers {
			if a.QuestionIndex != questionIndex {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(p.Answers) {
			continue
		}
		err := c.store.Update(ctx, CollectionParticipants, participantID(sessionID, p.UserID), store.Fields{
			"answers":           kept,
			"currentScore":      scoreOf(kept),
			"questionsAnswered": len(kept),
		})
		if err != nil {
			return fmt.Errorf("clear answers for %s: %w", p.UserID, err)
		}
		if err := c.rewriteResult(ctx, session, p.UserID, kept); err != nil {
			return err
		}
	}

	return c.mutateSession(ctx, session, store.Fields{
		"status":               domain.PhaseActive,
		"isEditing":            false,
		"editingQuestionIndex": -1,
		"questionStartTime":    store.ServerTimestamp,
	})
}

// EndSession auto-submits the final question for anyone who has not
// answered, then moves the session to its terminal phase.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	session, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Phase.Terminal() {
		return domain.ErrInvalidPhase
	}

	if session.CurrentQuestionIndex >= 0 {
		if err := c.AutoSubmitUnanswered(ctx, sessionID, session.CurrentQuestionIndex); err != nil {
			return err
		}
	}

	err = c.mutateSession(ctx, session, store.Fields{
		"status":  domain.PhaseCompleted,
		"endedAt": store.ServerTimestamp,
	})
	if err != nil {
		return err
	}

	participants, err := c.ListParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		err := c.store.Update(ctx, CollectionResults, participantID(sessionID, p.UserID), store.Fields{
			"status": domain.ResultCompleted,
		})
		if err != nil && err != store.ErrNotFound {
			return fmt.Errorf("finalize result for %s: %w", p.UserID, err)
		}
	}

	if c.results != nil {
		session, err = c.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := c.results.Archive(ctx, session, participants); err != nil {
			return fmt.Errorf("archive results: %w", err)
		}
	}
	return nil
}

// GetSession reads one session by id.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := c.store.Get(ctx, CollectionSessions, sessionID)
	if err == store.ErrNotFound {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	var session domain.Session
	if err := store.Decode(fields, &session); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

// SessionByCode resolves a join code to its session. Codes are unique among
// joinable sessions, so a non-terminal match wins over completed ones.
func (c *Coordinator) SessionByCode(ctx context.Context, code string) (domain.Session, error) {
	docs, err := c.store.Query(ctx, CollectionSessions, "sessionCode", code)
	if err != nil {
		return domain.Session{}, fmt.Errorf("lookup session code: %w", err)
	}
	if len(docs) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	var fallback *domain.Session
	for _, doc := range docs {
		var session domain.Session
		if err := store.Decode(doc.Fields, &session); err != nil {
			return domain.Session{}, fmt.Errorf("decode session: %w", err)
		}
		if !session.Phase.Terminal() {
			return session, nil
		}
		if fallback == nil {
			s := session
			fallback = &s
		}
	}
	return *fallback, nil
}

// ListParticipants is the registry read model: every participant of a
// session ordered by join time.
func (c *Coordinator) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	docs, err := c.store.Query(ctx, CollectionParticipants, "sessionId", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	participants := make([]domain.Participant, 0, len(docs))
	for _, doc := range docs {
		var p domain.Participant
		if err := store.Decode(doc.Fields, &p); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool {
		if !participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].JoinedAt.Before(participants[j].JoinedAt)
		}
		return participants[i].UserID < participants[j].UserID
	})
	return participants, nil
}

// GetResult reads the denormalized result record for one (session, user).
func (c *Coordinator) GetResult(ctx context.Context, sessionID, userID string) (domain.Result, error) {
	fields, err := c.store.Get(ctx, CollectionResults, participantID(sessionID, userID))
	if err == store.ErrNotFound {
		return domain.Result{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Result{}, fmt.Errorf("get result: %w", err)
	}
	var result domain.Result
	if err := store.Decode(fields, &result); err != nil {
		return domain.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// mutateSession applies a host mutation guarded by the session version, so
// two concurrent host actions (dual tabs, double clicks) cannot both win.
func (c *Coordinator) mutateSession(ctx context.Context, session domain.Session, fields store.Fields) error {
	fields["version"] = session.Version + 1
	err := c.store.UpdateIf(ctx, CollectionSessions, session.SessionID, "version", session.Version, fields)
	if err == store.ErrConflict {
		return domain.ErrConcurrentUpdate
	}
	if err == store.ErrNotFound {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// createParticipant writes a fresh participant document.
func (c *Coordinator) createParticipant(ctx context.Context, sessionID, userID, userName string) error {
	participant := store.Fields{
		"sessionId":         sessionID,
		"userId":            userID,
		"userName":          userName,
		"joinedAt":          store.ServerTimestamp,
		"lastSeen":          store.ServerTimestamp,
		"currentScore":      0,
		"questionsAnswered": 0,
		"answers":           []domain.Answer{},
		"status":            domain.ParticipantActive,
	}
	if err := c.store.Set(ctx, CollectionParticipants, participantID(sessionID, userID), participant); err != nil {
		return fmt.Errorf("create participant: %w", err)
	}
	return nil
}

// ensureParticipant recreates the participant document if it is missing for
// a user already on the session roster.
func (c *Coordinator) ensureParticipant(ctx context.Context, sessionID, userID, userName string) error {
	_, err := c.store.Get(ctx, CollectionParticipants, participantID(sessionID, userID))
	if err == store.ErrNotFound {
		return c.createParticipant(ctx, sessionID, userID, userName)
	}
	if err != nil {
		return fmt.Errorf("get participant: %w", err)
	}
	return nil
}

func participantID(sessionID, userID string) string {
	return sessionID + "_" + userID
}

func scoreOf(answers []domain.Answer) int {
	score := 0
	for _, a := range answers {
		if a.IsCorrect {
			score++
		}
	}
	return score
}
