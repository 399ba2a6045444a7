package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no session matches an id or join code.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded is returned when joining a completed session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrSessionStarted is returned when joining a started session that disallows late joins.
	ErrSessionStarted = errors.New("session has already started")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a question index is out of range for the quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrEditingInProgress rejects answer submissions while the host is editing.
	ErrEditingInProgress = errors.New("question is being edited")
	// ErrInvalidPhase rejects a host action that is not legal in the current phase.
	ErrInvalidPhase = errors.New("operation not valid in current session phase")
	// ErrConcurrentUpdate is returned when a host mutation loses a version race,
	// e.g. two tabs advancing the same session at once.
	ErrConcurrentUpdate = errors.New("session modified concurrently")
	// ErrCodeExhausted is returned when join-code generation keeps colliding.
	ErrCodeExhausted = errors.New("could not allocate a unique session code")
)
