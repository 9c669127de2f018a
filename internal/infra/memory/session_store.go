package memory

import (
	"context"
	"strings"
	"sync"

	"trivia-live-service/internal/domain"
)

// SessionStore is the in-memory implementation of app.SessionStore. All
// state lives in maps under one RWMutex; conditional writes compare the
// stored (phase, index) pre-state under the lock, which gives the same
// serialization the Redis implementation gets from its CAS script.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionRecord
	joinCodes map[string]string
}

type sessionRecord struct {
	session     domain.Session
	players     []domain.Player
	answers     map[int]map[string]domain.Answer
	scored      map[int]struct{}
	awards      map[int]map[string]struct{}
	leaderboard []domain.LeaderboardEntry
	subscribers map[chan domain.SessionSnapshot]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*sessionRecord),
		joinCodes: make(map[string]string),
	}
}

func (s *SessionStore) CreateSession(_ context.Context, session domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := strings.ToUpper(session.JoinCode)
	if _, taken := s.joinCodes[code]; taken {
		return domain.Session{}, domain.ErrJoinCodeTaken
	}
	session.JoinCode = code
	session.Version = 1
	s.sessions[session.ID] = &sessionRecord{
		session:     session,
		answers:     make(map[int]map[string]domain.Answer),
		scored:      make(map[int]struct{}),
		awards:      make(map[int]map[string]struct{}),
		subscribers: make(map[chan domain.SessionSnapshot]struct{}),
	}
	s.joinCodes[code] = session.ID
	return session, nil
}

func (s *SessionStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return rec.session, nil
}

func (s *SessionStore) SessionIDByJoinCode(_ context.Context, joinCode string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.joinCodes[strings.ToUpper(joinCode)]
	if !ok {
		return "", domain.ErrJoinCodeNotFound
	}
	return id, nil
}

func (s *SessionStore) UpdateSessionIf(_ context.Context, next domain.Session, expectedPhase domain.Phase, expectedIndex int) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[next.ID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if rec.session.Phase != expectedPhase || rec.session.CurrentQuestionIndex != expectedIndex {
		return domain.Session{}, domain.ErrStaleTransition
	}
	next.Version = rec.session.Version + 1
	rec.session = next
	s.broadcastLocked(rec)
	return next, nil
}

func (s *SessionStore) ReleaseJoinCode(_ context.Context, joinCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joinCodes, strings.ToUpper(joinCode))
	return nil
}

func (s *SessionStore) AddPlayer(_ context.Context, sessionID string, p domain.Player) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.Player{}, domain.ErrSessionNotFound
	}
	p.JoinOrder = len(rec.players) + 1
	rec.players = append(rec.players, p)
	rec.session.Version++
	s.broadcastLocked(rec)
	return p, nil
}

func (s *SessionStore) ListPlayers(_ context.Context, sessionID string) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	players := make([]domain.Player, len(rec.players))
	copy(players, rec.players)
	return players, nil
}

func (s *SessionStore) SetPlayerScore(_ context.Context, sessionID, playerID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	for i := range rec.players {
		if rec.players[i].ID == playerID {
			rec.players[i].Score = score
			rec.session.Version++
			s.broadcastLocked(rec)
			return nil
		}
	}
	return domain.ErrPlayerNotFound
}

func (s *SessionStore) AddAnswer(_ context.Context, sessionID string, a domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	byPlayer, ok := rec.answers[a.QuestionIndex]
	if !ok {
		byPlayer = make(map[string]domain.Answer)
		rec.answers[a.QuestionIndex] = byPlayer
	}
	if _, exists := byPlayer[a.PlayerID]; exists {
		return domain.ErrAlreadyAnswered
	}
	byPlayer[a.PlayerID] = a
	return nil
}

func (s *SessionStore) ListAnswers(_ context.Context, sessionID string, questionIndex int) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	answers := make([]domain.Answer, 0, len(rec.answers[questionIndex]))
	for _, a := range rec.answers[questionIndex] {
		answers = append(answers, a)
	}
	return answers, nil
}

func (s *SessionStore) ClaimScoringPass(_ context.Context, sessionID string, questionIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if _, claimed := rec.scored[questionIndex]; claimed {
		return domain.ErrStaleTransition
	}
	rec.scored[questionIndex] = struct{}{}
	return nil
}

func (s *SessionStore) ClaimAward(_ context.Context, sessionID string, questionIndex int, playerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return false, domain.ErrSessionNotFound
	}
	byPlayer, ok := rec.awards[questionIndex]
	if !ok {
		byPlayer = make(map[string]struct{})
		rec.awards[questionIndex] = byPlayer
	}
	if _, applied := byPlayer[playerID]; applied {
		return false, nil
	}
	byPlayer[playerID] = struct{}{}
	return true, nil
}

func (s *SessionStore) ReplaceLeaderboard(_ context.Context, sessionID string, entries []domain.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	replacement := make([]domain.LeaderboardEntry, len(entries))
	copy(replacement, entries)
	rec.leaderboard = replacement
	rec.session.Version++
	s.broadcastLocked(rec)
	return nil
}

func (s *SessionStore) GetLeaderboard(_ context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	entries := make([]domain.LeaderboardEntry, len(rec.leaderboard))
	copy(entries, rec.leaderboard)
	return entries, nil
}

func (s *SessionStore) Snapshot(_ context.Context, sessionID string) (domain.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return domain.SessionSnapshot{}, domain.ErrSessionNotFound
	}
	return snapshotLocked(rec), nil
}

func (s *SessionStore) Subscribe(_ context.Context, sessionID string) (<-chan domain.SessionSnapshot, func(), error) {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, domain.ErrSessionNotFound
	}
	ch := make(chan domain.SessionSnapshot, 8)
	rec.subscribers[ch] = struct{}{}
	initial := snapshotLocked(rec)
	s.mu.Unlock()

	ch <- initial

	cancel := func() {
		s.mu.Lock()
		if _, ok := rec.subscribers[ch]; ok {
			delete(rec.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (s *SessionStore) broadcastLocked(rec *sessionRecord) {
	snap := snapshotLocked(rec)
	for ch := range rec.subscribers {
		select {
		case ch <- snap:
		default:
			// Slow consumers get the oldest buffered snapshot evicted rather
			// than blocking the writer; they re-converge from the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func snapshotLocked(rec *sessionRecord) domain.SessionSnapshot {
	players := make([]domain.Player, len(rec.players))
	copy(players, rec.players)
	leaderboard := make([]domain.LeaderboardEntry, len(rec.leaderboard))
	copy(leaderboard, rec.leaderboard)
	return domain.SessionSnapshot{
		Session:     rec.session,
		Players:     players,
		Leaderboard: leaderboard,
	}
}
