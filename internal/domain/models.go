package domain

import "time"

// Phase is the coarse lifecycle state of a live session.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseActive    Phase = "active"
	PhaseEditing   Phase = "editing"
	PhaseCompleted Phase = "completed"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted
}

// ParticipantStatus tracks a participant's connectivity within a session.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantDisconnected ParticipantStatus = "disconnected"
	ParticipantCompleted    ParticipantStatus = "completed"
)

// ConnectionStatus classifies the quality of a presence heartbeat stream.
type ConnectionStatus string

const (
	ConnectionStable      ConnectionStatus = "stable"
	ConnectionUnstable    ConnectionStatus = "unstable"
	ConnectionReconnected ConnectionStatus = "reconnected"
)

// SessionSettings are the host-selected options for one live run.
type SessionSettings struct {
	ShowAnswersAfterEach bool `json:"showAnswersAfterEach"`
	AllowLateJoin        bool `json:"allowLateJoin"`
	ShuffleQuestions     bool `json:"shuffleQuestions"`
	AutoProgress         bool `json:"autoProgressQuestions"`
}

// Session is one live, time-boxed run of a quiz.
type Session struct {
	SessionID            string          `json:"sessionId"`
	SessionCode          string          `json:"sessionCode"`
	QuizID               string          `json:"quizId"`
	QuizName             string          `json:"quizName"`
	HostID               string          `json:"hostId"`
	HostName             string          `json:"hostName"`
	TotalQuestions       int             `json:"totalQuestions"`
	Phase                Phase           `json:"status"`
	CurrentQuestionIndex int             `json:"currentQuestionIndex"`
	QuestionStartTime    time.Time       `json:"questionStartTime"`
	QuestionTimeLimit    int             `json:"questionTimeLimit"` // seconds
	IsEditing            bool            `json:"isEditing"`
	EditingQuestionIndex int             `json:"editingQuestionIndex"` // -1 when not editing
	Participants         []string        `json:"participants"`
	ParticipantCount     int             `json:"participantCount"`
	Settings             SessionSettings `json:"settings"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	EndedAt              time.Time       `json:"endedAt"`
}

// HasParticipant reports whether userID already appears in the roster.
func (s Session) HasParticipant(userID string) bool {
	for _, id := range s.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Answer is one participant's record for a single question. The question
// text and options are captured at answer time so a later edit of the quiz
// cannot rewrite history.
type Answer struct {
	QuestionIndex   int       `json:"questionIndex"`
	QuestionText    string    `json:"questionText"`
	Options         []string  `json:"options"`
	CorrectOption   string    `json:"correctAnswer"`
	UserAnswer      string    `json:"userAnswer"` // empty only when auto-submitted
	IsCorrect       bool      `json:"isCorrect"`
	TimeSpent       int       `json:"timeSpent"` // seconds
	IsAutoSubmitted bool      `json:"isAutoSubmitted"`
	AnsweredAt      time.Time `json:"answeredAt"`
}

// Participant is one user's membership and running state within a session.
type Participant struct {
	SessionID         string            `json:"sessionId"`
	UserID            string            `json:"userId"`
	UserName          string            `json:"userName"`
	JoinedAt          time.Time         `json:"joinedAt"`
	LastSeen          time.Time         `json:"lastSeen"`
	CurrentScore      int               `json:"currentScore"`
	QuestionsAnswered int               `json:"questionsAnswered"`
	Answers           []Answer          `json:"answers"`
	Status            ParticipantStatus `json:"status"`
}

// AnswerFor returns the participant's answer record for a question index.
func (p Participant) AnswerFor(questionIndex int) (Answer, bool) {
	for _, a := range p.Answers {
		if a.QuestionIndex == questionIndex {
			return a, true
		}
	}
	return Answer{}, false
}

// ResultStatus is the lifecycle of a denormalized result record.
type ResultStatus string

const (
	ResultInProgress ResultStatus = "in_progress"
	ResultCompleted  ResultStatus = "completed"
)

// Result is the denormalized per-(session, user) summary kept so results
// can be reviewed without re-joining session and participant documents.
type Result struct {
	SessionID         string       `json:"sessionId"`
	QuizID            string       `json:"quizId"`
	QuizName          string       `json:"quizName"`
	UserID            string       `json:"userId"`
	TotalQuestions    int          `json:"totalQuestions"`
	CurrentScore      int          `json:"currentScore"`
	QuestionsAnswered int          `json:"questionsAnswered"`
	CurrentPercentage float64      `json:"currentPercentage"`
	Status            ResultStatus `json:"status"`
	Answers           []Answer     `json:"answers"`
	StartedAt         time.Time    `json:"startedAt"`
	LastAnsweredAt    time.Time    `json:"lastAnsweredAt"`
}

// Presence is one row per (quiz, user) while a student is actively taking
// a quiz outside the live-session mode.
type Presence struct {
	QuizID           string           `json:"quizId"`
	UserID           string           `json:"userId"`
	UserName         string           `json:"userName"`
	JoinedAt         time.Time        `json:"joinedAt"`
	LastSeen         time.Time        `json:"lastSeen"`
	MissedHeartbeats int              `json:"missedHeartbeats"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	Status           string           `json:"status"`
}

// Question models an MCQ question whose correct option is its answer text.
type Question struct {
	Text    string   `json:"question"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
}

// Quiz is the authored content a live session runs against.
type Quiz struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Questions []Question `json:"questions"`
}
