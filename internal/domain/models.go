package domain

import "time"

// Phase is the session's stage in its lifecycle. The set is closed; code
// that branches on phase should handle every value explicitly.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseQuestionLive Phase = "questionLive"
	PhaseResults      Phase = "results"
	PhaseEnded        Phase = "ended"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseEnded
}

// ordinal orders phases within a single question round.
func (p Phase) ordinal() int {
	switch p {
	case PhaseLobby:
		return 0
	case PhaseQuestionLive:
		return 1
	case PhaseResults:
		return 2
	case PhaseEnded:
		return 3
	}
	return -1
}

// TimerAnchor is the authoritative countdown reference: a start instant plus
// a duration, written once per question. Observers derive remaining time from
// the anchor and their own clock; nobody runs an independent countdown.
type TimerAnchor struct {
	StartInstant    time.Time `json:"startInstant"`
	DurationSeconds int       `json:"durationSeconds"`
}

// Remaining computes the time left on the countdown at the given instant,
// clamped to [0, duration]. A pure function of (anchor, now), so a client
// that was backgrounded re-derives the correct value on its next read.
func (a TimerAnchor) Remaining(now time.Time) time.Duration {
	total := time.Duration(a.DurationSeconds) * time.Second
	elapsed := now.Sub(a.StartInstant)
	if elapsed <= 0 {
		return total
	}
	if elapsed >= total {
		return 0
	}
	return total - elapsed
}

// Deadline is the instant the countdown reaches zero.
func (a TimerAnchor) Deadline() time.Time {
	return a.StartInstant.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// SessionSettings are host-chosen knobs fixed at session creation.
type SessionSettings struct {
	QuestionTimeLimit int  `json:"questionTimeLimit"` // seconds, per-question fallback
	ShowLeaderboard   bool `json:"showLeaderboard"`
	AutoProgress      bool `json:"autoProgress"`
}

// Session is one live instance of a quiz being played. The stored document
// is the single source of truth; every in-process copy is a read-only,
// possibly stale projection. Version increases on every committed write and
// is the compare-and-swap key for phase transitions.
type Session struct {
	ID                   string          `json:"id"`
	JoinCode             string          `json:"joinCode"`
	QuizID               string          `json:"quizId"`
	HostID               string          `json:"hostId,omitempty"`
	Phase                Phase           `json:"phase"`
	CurrentQuestionIndex int             `json:"currentQuestionIndex"`
	TimerAnchor          *TimerAnchor    `json:"timerAnchor,omitempty"`
	QuestionStartedAt    *time.Time      `json:"questionStartedAt,omitempty"`
	Settings             SessionSettings `json:"settings"`
	CreatedAt            time.Time       `json:"createdAt"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	EndedAt              *time.Time      `json:"endedAt,omitempty"`
	Version              int64           `json:"version"`
}

// Player is one participant in a session. Score is mutated only by the
// scoring pass and never decreases. JoinOrder is assigned by the store and
// breaks leaderboard ties deterministically.
type Player struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Score     int       `json:"score"`
	JoinOrder int       `json:"joinOrder"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Answer is one player's recorded response to one question. At most one
// answer exists per (session, questionIndex, player); answers are never
// mutated or deleted.
type Answer struct {
	PlayerID       string    `json:"playerId"`
	QuestionIndex  int       `json:"questionIndex"`
	SelectedOption int       `json:"selectedOption"`
	AnsweredAt     time.Time `json:"answeredAt"` // client-reported
	IsCorrect      bool      `json:"isCorrect"`
}

// LeaderboardEntry is one row of the ranked standings snapshot. Ranks are
// 1-based and dense: equal scores share a rank value, the next distinct
// score gets the next rank.
type LeaderboardEntry struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
	Rank       int    `json:"rank"`
}

// SessionSnapshot is the self-describing view delivered to observers. The
// store may deliver snapshots late or out of order; consumers keep the last
// applied one and drop anything NewerThan rejects.
type SessionSnapshot struct {
	Session     Session            `json:"session"`
	Players     []Player           `json:"players"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// NewerThan reports whether s supersedes prev. The ordering key is the
// (currentQuestionIndex, phase) pair, with the document version breaking
// ties for same-phase updates such as roster or score changes.
func (s SessionSnapshot) NewerThan(prev SessionSnapshot) bool {
	a, b := s.Session, prev.Session
	if a.CurrentQuestionIndex != b.CurrentQuestionIndex {
		return a.CurrentQuestionIndex > b.CurrentQuestionIndex
	}
	if a.Phase != b.Phase {
		return a.Phase.ordinal() > b.Phase.ordinal()
	}
	return a.Version > b.Version
}

// DefaultTimeLimitSeconds applies when a question carries no explicit limit.
const DefaultTimeLimitSeconds = 30

// Question models an MCQ question; CorrectAnswer indexes into Options.
type Question struct {
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	CorrectAnswer    int      `json:"correctAnswer"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"` // defaults to 30 if zero
}

// TimeLimit returns the question's limit, falling back to the default.
func (q Question) TimeLimit() time.Duration {
	secs := q.TimeLimitSeconds
	if secs <= 0 {
		secs = DefaultTimeLimitSeconds
	}
	return time.Duration(secs) * time.Second
}

// Quiz is the immutable content being played, owned externally.
type Quiz struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions"`
}
