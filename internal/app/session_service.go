package app

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"trivia-live-service/internal/domain"
)

// SessionStore is the shared session store boundary. It is the single source
// of truth for session state; implementations must make UpdateSessionIf a
// store-level conditional write (no external locks) and AddAnswer /
// ClaimScoringPass append-if-absent per key.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	SessionIDByJoinCode(ctx context.Context, joinCode string) (string, error)
	// UpdateSessionIf commits next only when the stored session still has the
	// expected (phase, currentQuestionIndex) pre-state; otherwise it returns
	// domain.ErrStaleTransition and leaves the session untouched.
	UpdateSessionIf(ctx context.Context, next domain.Session, expectedPhase domain.Phase, expectedIndex int) (domain.Session, error)
	ReleaseJoinCode(ctx context.Context, joinCode string) error

	AddPlayer(ctx context.Context, sessionID string, p domain.Player) (domain.Player, error)
	ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error)
	SetPlayerScore(ctx context.Context, sessionID, playerID string, score int) error

	AddAnswer(ctx context.Context, sessionID string, a domain.Answer) error
	ListAnswers(ctx context.Context, sessionID string, questionIndex int) ([]domain.Answer, error)
	// ClaimScoringPass marks questionIndex as scored, exactly once per
	// session. A second claim returns domain.ErrStaleTransition.
	ClaimScoringPass(ctx context.Context, sessionID string, questionIndex int) error
	// ClaimAward marks one (questionIndex, player) award as applied, exactly
	// once. Reports false when an earlier attempt already applied it.
	ClaimAward(ctx context.Context, sessionID string, questionIndex int, playerID string) (bool, error)

	ReplaceLeaderboard(ctx context.Context, sessionID string, entries []domain.LeaderboardEntry) error
	GetLeaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error)

	Snapshot(ctx context.Context, sessionID string) (domain.SessionSnapshot, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionSnapshot, func(), error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

const joinCodeLength = 6

const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// SessionService coordinates the live session lifecycle: phase transitions,
// the countdown anchor, answer intake, the scoring pass and leaderboard
// aggregation. Only host commands mutate session fields; players only submit
// answers and observe.
type SessionService struct {
	store   SessionStore
	quizzes QuizRepository
	clock   clockwork.Clock
}

func NewSessionService(store SessionStore, quizzes QuizRepository) *SessionService {
	return NewSessionServiceWithClock(store, quizzes, clockwork.NewRealClock())
}

// NewSessionServiceWithClock injects the clock for deterministic timer and
// scoring tests.
func NewSessionServiceWithClock(store SessionStore, quizzes QuizRepository, clock clockwork.Clock) *SessionService {
	return &SessionService{store: store, quizzes: quizzes, clock: clock}
}

// CreateSession produces a new lobby session with a collision-checked join
// code. The quiz is preloaded so sessions cannot be created against unknown
// or empty quizzes.
func (s *SessionService) CreateSession(ctx context.Context, quizID, hostID string, settings domain.SessionSettings) (domain.Session, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.Session{}, domain.ErrQuizEmpty
	}
	if settings.QuestionTimeLimit <= 0 {
		settings.QuestionTimeLimit = domain.DefaultTimeLimitSeconds
	}

	for attempt := 0; attempt < 8; attempt++ {
		session := domain.Session{
			ID:        uuid.NewString(),
			JoinCode:  newJoinCode(),
			QuizID:    quizID,
			HostID:    hostID,
			Phase:     domain.PhaseLobby,
			Settings:  settings,
			CreatedAt: s.clock.Now().UTC(),
		}
		created, err := s.store.CreateSession(ctx, session)
		if errors.Is(err, domain.ErrJoinCodeTaken) {
			continue
		}
		if err != nil {
			return domain.Session{}, err
		}
		log.Info().Str("session_id", created.ID).Str("join_code", created.JoinCode).Str("quiz_id", quizID).Msg("session created")
		return created, nil
	}
	return domain.Session{}, domain.ErrJoinCodeTaken
}

// JoinSession registers a new player against a non-ended session's join code
// and returns the assigned player id alongside the current session document.
func (s *SessionService) JoinSession(ctx context.Context, joinCode, playerName string) (domain.Player, domain.Session, error) {
	sessionID, err := s.store.SessionIDByJoinCode(ctx, joinCode)
	if err != nil {
		return domain.Player{}, domain.Session{}, err
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Player{}, domain.Session{}, err
	}
	if session.Phase.Terminal() {
		return domain.Player{}, domain.Session{}, domain.ErrSessionEnded
	}

	player := domain.Player{
		ID:       uuid.NewString(),
		Name:     playerName,
		JoinedAt: s.clock.Now().UTC(),
	}
	player, err = s.store.AddPlayer(ctx, sessionID, player)
	if err != nil {
		return domain.Player{}, domain.Session{}, err
	}
	log.Debug().Str("session_id", sessionID).Str("player_id", player.ID).Str("name", playerName).Msg("player joined")
	return player, session, nil
}

// StartSession transitions lobby -> questionLive for question 0, writing the
// timer anchor and the phase change as one conditional document update so a
// failed write leaves the session in the prior phase.
func (s *SessionService) StartSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Phase != domain.PhaseLobby {
		return domain.Session{}, domain.ErrStaleTransition
	}
	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(players) == 0 {
		return domain.Session{}, domain.ErrNoPlayers
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Session{}, err
	}

	now := s.clock.Now().UTC()
	next := session
	next.Phase = domain.PhaseQuestionLive
	next.CurrentQuestionIndex = 0
	next.TimerAnchor = &domain.TimerAnchor{StartInstant: now, DurationSeconds: s.timeLimitSeconds(quiz.Questions[0], session.Settings)}
	next.QuestionStartedAt = &now
	next.StartedAt = &now

	committed, err := s.commit(ctx, next, domain.PhaseLobby, session.CurrentQuestionIndex)
	if err != nil {
		return domain.Session{}, err
	}

	// Seed the leaderboard with the zero-score roster so observers see a
	// full snapshot before the first scoring pass.
	if err := s.store.ReplaceLeaderboard(ctx, sessionID, RecomputeLeaderboard(players)); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("seeding leaderboard failed")
	}
	log.Info().Str("session_id", sessionID).Int("players", len(players)).Msg("session started")
	return committed, nil
}

// EndCurrentQuestion transitions questionLive -> results: it claims the
// scoring pass for the current question, applies time-decayed points to each
// correct answer exactly once, replaces the leaderboard snapshot in full and
// then commits the phase change. A duplicate invocation after the transition
// gets ErrStaleTransition and mutates nothing; an invocation that finds the
// pass already claimed while the question is still live resumes it, since
// per-player award markers make re-application a no-op.
func (s *SessionService) EndCurrentQuestion(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Phase != domain.PhaseQuestionLive {
		return domain.Session{}, domain.ErrStaleTransition
	}

	// Every fallible read happens before the claim, so a transient store
	// failure here leaves the pass unclaimed and the host retry intact.
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Session{}, err
	}
	question := quiz.Questions[session.CurrentQuestionIndex]

	answers, err := s.store.ListAnswers(ctx, sessionID, session.CurrentQuestionIndex)
	if err != nil {
		return domain.Session{}, err
	}
	// Fresh roster read so the pass applies onto latest scores, never onto a
	// stale in-memory copy.
	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	if err := s.store.ClaimScoringPass(ctx, sessionID, session.CurrentQuestionIndex); err != nil {
		if !errors.Is(err, domain.ErrStaleTransition) {
			return domain.Session{}, err
		}
		// The claim is held by an attempt that died mid-pass or is running
		// concurrently. Awards are idempotent, so resume instead of stranding
		// the session in questionLive; the phase write picks a single winner.
		log.Debug().Str("session_id", sessionID).Int("question", session.CurrentQuestionIndex).Msg("scoring pass already claimed, resuming")
	}

	questionStart := session.QuestionStartedAt
	if questionStart == nil && session.TimerAnchor != nil {
		questionStart = &session.TimerAnchor.StartInstant
	}
	limit := time.Duration(s.timeLimitSeconds(question, session.Settings)) * time.Second
	if questionStart == nil {
		// Document carries no timing reference at all: treat the question as
		// fully elapsed rather than refusing to transition.
		fallback := s.clock.Now().UTC().Add(-limit)
		questionStart = &fallback
	}
	awards := ScoreAnswers(question, *questionStart, limit, answers)

	for i := range players {
		points, ok := awards[players[i].ID]
		if !ok {
			continue
		}
		applied, err := s.store.ClaimAward(ctx, sessionID, session.CurrentQuestionIndex, players[i].ID)
		if err != nil {
			return domain.Session{}, err
		}
		if !applied {
			continue
		}
		players[i].Score += points
		playerID, total := players[i].ID, players[i].Score
		if err := s.retryStore(ctx, func() error {
			return s.store.SetPlayerScore(ctx, sessionID, playerID, total)
		}); err != nil {
			return domain.Session{}, err
		}
		log.Debug().Str("session_id", sessionID).Str("player_id", playerID).Int("points", points).Int("total", total).Msg("answer scored")
	}

	// Re-read the roster so concurrent or resumed attempts all publish the
	// same standings.
	players, err = s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.retryStore(ctx, func() error {
		return s.store.ReplaceLeaderboard(ctx, sessionID, RecomputeLeaderboard(players))
	}); err != nil {
		return domain.Session{}, err
	}

	next := session
	next.Phase = domain.PhaseResults
	return s.commit(ctx, next, domain.PhaseQuestionLive, session.CurrentQuestionIndex)
}

// AdvanceToNextQuestion transitions results -> questionLive for the next
// question, or results -> ended when no questions remain.
func (s *SessionService) AdvanceToNextQuestion(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Phase != domain.PhaseResults {
		return domain.Session{}, domain.ErrStaleTransition
	}
	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Session{}, err
	}

	nextIndex := session.CurrentQuestionIndex + 1
	if nextIndex >= len(quiz.Questions) {
		return s.endSession(ctx, session)
	}

	now := s.clock.Now().UTC()
	next := session
	next.Phase = domain.PhaseQuestionLive
	next.CurrentQuestionIndex = nextIndex
	next.TimerAnchor = &domain.TimerAnchor{StartInstant: now, DurationSeconds: s.timeLimitSeconds(quiz.Questions[nextIndex], session.Settings)}
	next.QuestionStartedAt = &now
	return s.commit(ctx, next, domain.PhaseResults, session.CurrentQuestionIndex)
}

// EndSession is the host abort: any non-terminal phase goes straight to
// ended and the join code is released for reuse.
func (s *SessionService) EndSession(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Phase.Terminal() {
		return domain.Session{}, domain.ErrStaleTransition
	}
	return s.endSession(ctx, session)
}

func (s *SessionService) endSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	now := s.clock.Now().UTC()
	next := session
	next.Phase = domain.PhaseEnded
	next.TimerAnchor = nil
	next.QuestionStartedAt = nil
	next.EndedAt = &now

	committed, err := s.commit(ctx, next, session.Phase, session.CurrentQuestionIndex)
	if err != nil {
		return domain.Session{}, err
	}
	// Join codes are unique among active sessions only; free it for reuse.
	if err := s.store.ReleaseJoinCode(ctx, session.JoinCode); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("releasing join code failed")
	}
	log.Info().Str("session_id", session.ID).Msg("session ended")
	return committed, nil
}

// SubmitAnswer validates and records one answer per (question, player). The
// answeredAt instant is client-reported; correctness is derived server-side.
func (s *SessionService) SubmitAnswer(ctx context.Context, sessionID string, questionIndex int, playerID string, selectedOption int, answeredAt time.Time) (domain.Answer, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Answer{}, err
	}
	if session.Phase.Terminal() {
		return domain.Answer{}, domain.ErrSessionEnded
	}
	if session.Phase != domain.PhaseQuestionLive || session.CurrentQuestionIndex != questionIndex {
		return domain.Answer{}, domain.ErrInvalidPhase
	}

	quiz, err := s.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Answer{}, err
	}
	question := quiz.Questions[questionIndex]
	if selectedOption < 0 || selectedOption >= len(question.Options) {
		return domain.Answer{}, domain.ErrInvalidOption
	}

	players, err := s.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return domain.Answer{}, err
	}
	if !hasPlayer(players, playerID) {
		return domain.Answer{}, domain.ErrPlayerNotFound
	}

	if answeredAt.IsZero() {
		answeredAt = s.clock.Now().UTC()
	}
	answer := domain.Answer{
		PlayerID:       playerID,
		QuestionIndex:  questionIndex,
		SelectedOption: selectedOption,
		AnsweredAt:     answeredAt,
		IsCorrect:      selectedOption == question.CorrectAnswer,
	}
	if err := s.store.AddAnswer(ctx, sessionID, answer); err != nil {
		return domain.Answer{}, err
	}
	return answer, nil
}

// Snapshot returns the current session projection (session, roster,
// leaderboard).
func (s *SessionService) Snapshot(ctx context.Context, sessionID string) (domain.SessionSnapshot, error) {
	return s.store.Snapshot(ctx, sessionID)
}

// Players returns the roster in join order.
func (s *SessionService) Players(ctx context.Context, sessionID string) ([]domain.Player, error) {
	return s.store.ListPlayers(ctx, sessionID)
}

// Leaderboard returns the latest ranked snapshot.
func (s *SessionService) Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	return s.store.GetLeaderboard(ctx, sessionID)
}

// Subscribe returns a channel of session snapshots. The caller must invoke
// the cancel function to avoid leaks, and must drop snapshots that are not
// NewerThan the last one it applied.
func (s *SessionService) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionSnapshot, func(), error) {
	return s.store.Subscribe(ctx, sessionID)
}

// Remaining derives the countdown from the session's timer anchor and the
// service clock. Zero when no timer is running.
func (s *SessionService) Remaining(session domain.Session) time.Duration {
	if session.TimerAnchor == nil {
		return 0
	}
	return session.TimerAnchor.Remaining(s.clock.Now())
}

// commit performs the conditional transition write, retrying only transient
// store failures. A skipped transition would strand the session, so
// StoreUnavailable is never swallowed here; state conflicts surface
// immediately as ErrStaleTransition.
func (s *SessionService) commit(ctx context.Context, next domain.Session, expectedPhase domain.Phase, expectedIndex int) (domain.Session, error) {
	var committed domain.Session
	err := s.retryStore(ctx, func() error {
		c, err := s.store.UpdateSessionIf(ctx, next, expectedPhase, expectedIndex)
		if err != nil {
			return err
		}
		committed = c
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return committed, nil
}

// retryStore runs an idempotent store write through transient outages.
// Anything other than StoreUnavailable aborts immediately.
func (s *SessionService) retryStore(ctx context.Context, op func() error) error {
	wrapped := func() error {
		if err := op(); err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(wrapped, policy)
}

func (s *SessionService) timeLimitSeconds(q domain.Question, settings domain.SessionSettings) int {
	if q.TimeLimitSeconds > 0 {
		return q.TimeLimitSeconds
	}
	if settings.QuestionTimeLimit > 0 {
		return settings.QuestionTimeLimit
	}
	return domain.DefaultTimeLimitSeconds
}

func hasPlayer(players []domain.Player, playerID string) bool {
	for i := range players {
		if players[i].ID == playerID {
			return true
		}
	}
	return false
}

func newJoinCode() string {
	code := make([]byte, joinCodeLength)
	for i := range code {
		code[i] = joinCodeAlphabet[rand.Intn(len(joinCodeAlphabet))]
	}
	return string(code)
}
