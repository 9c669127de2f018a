package domain

import "errors"

var (
	// ErrInvalidPhase is returned when an operation is attempted in a phase
	// that forbids it (e.g. answering a question that is not live).
	ErrInvalidPhase = errors.New("operation not allowed in current phase")
	// ErrStaleTransition signals a conditional transition whose expected
	// pre-state no longer matches the stored session. Safe no-op.
	ErrStaleTransition = errors.New("stale transition: session state changed")
	// ErrAlreadyAnswered signals a duplicate submission for the same
	// (session, question, player) key. Safe no-op.
	ErrAlreadyAnswered = errors.New("answer already submitted")
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrJoinCodeNotFound is returned when no active session has the code.
	ErrJoinCodeNotFound = errors.New("join code not found")
	// ErrJoinCodeTaken indicates a freshly generated code collided with an
	// active session; callers regenerate and retry.
	ErrJoinCodeTaken = errors.New("join code already in use")
	// ErrSessionEnded is returned on joins or answers against a terminal session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrNoPlayers is returned when the host starts a session with an empty lobby.
	ErrNoPlayers = errors.New("session has no players")
	// ErrPlayerNotFound is returned when a submission names an unknown player.
	ErrPlayerNotFound = errors.New("player not found in session")
	// ErrInvalidOption indicates a selected option outside the question's range.
	ErrInvalidOption = errors.New("selected option out of range")
	// ErrStoreUnavailable wraps transient store failures; callers retry with backoff.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuizEmpty indicates quiz content with no questions.
	ErrQuizEmpty = errors.New("quiz has no questions")
)
