package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-live-service/internal/domain"
)

// SessionStore is the Redis implementation of app.SessionStore. The session
// document lives in a hash {version, phase, qidx, data}; conditional
// transitions run as a Lua compare-and-swap against the stored (phase, qidx)
// pre-state, players and answers are append-if-absent hash fields, and
// snapshot fanout rides Redis pub/sub so observers on any instance converge.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// casScript commits the new document only when the stored (phase, qidx)
// still matches the expected pre-state. Returns the new version, or -1 on a
// pre-state mismatch, -2 when the session is gone.
var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
if redis.call('HGET', KEYS[1], 'phase') ~= ARGV[1] then
  return -1
end
if redis.call('HGET', KEYS[1], 'qidx') ~= ARGV[2] then
  return -1
end
redis.call('HSET', KEYS[1], 'phase', ARGV[3], 'qidx', ARGV[4], 'data', ARGV[5])
return redis.call('HINCRBY', KEYS[1], 'version', 1)
`)

func (s *SessionStore) CreateSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	session.JoinCode = strings.ToUpper(session.JoinCode)
	session.Version = 1

	// Join codes are unique among active sessions; SetNX is the check.
	set, err := s.client.SetNX(ctx, s.joinCodeKey(session.JoinCode), session.ID, s.ttl).Result()
	if err != nil {
		return domain.Session{}, storeErr(err)
	}
	if !set {
		return domain.Session{}, domain.ErrJoinCodeTaken
	}

	data, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.sessionKey(session.ID),
		"version", session.Version,
		"phase", string(session.Phase),
		"qidx", session.CurrentQuestionIndex,
		"data", data,
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.sessionKey(session.ID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Session{}, storeErr(err)
	}
	return session, nil
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, storeErr(err)
	}
	if len(fields) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return decodeSession(fields)
}

func (s *SessionStore) SessionIDByJoinCode(ctx context.Context, joinCode string) (string, error) {
	id, err := s.client.Get(ctx, s.joinCodeKey(strings.ToUpper(joinCode))).Result()
	if err == redis.Nil {
		return "", domain.ErrJoinCodeNotFound
	}
	if err != nil {
		return "", storeErr(err)
	}
	return id, nil
}

func (s *SessionStore) UpdateSessionIf(ctx context.Context, next domain.Session, expectedPhase domain.Phase, expectedIndex int) (domain.Session, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return domain.Session{}, err
	}
	result, err := casScript.Run(ctx, s.client, []string{s.sessionKey(next.ID)},
		string(expectedPhase), strconv.Itoa(expectedIndex),
		string(next.Phase), strconv.Itoa(next.CurrentQuestionIndex), data,
	).Int64()
	if err != nil {
		return domain.Session{}, storeErr(err)
	}
	switch result {
	case -2:
		return domain.Session{}, domain.ErrSessionNotFound
	case -1:
		return domain.Session{}, domain.ErrStaleTransition
	}
	next.Version = result

	s.refreshTTL(ctx, next.ID)
	s.publish(ctx, next.ID)
	return next, nil
}

func (s *SessionStore) ReleaseJoinCode(ctx context.Context, joinCode string) error {
	if err := s.client.Del(ctx, s.joinCodeKey(strings.ToUpper(joinCode))).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *SessionStore) AddPlayer(ctx context.Context, sessionID string, p domain.Player) (domain.Player, error) {
	exists, err := s.client.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Player{}, storeErr(err)
	}
	if exists == 0 {
		return domain.Player{}, domain.ErrSessionNotFound
	}

	order, err := s.client.Incr(ctx, s.playerSeqKey(sessionID)).Result()
	if err != nil {
		return domain.Player{}, storeErr(err)
	}
	p.JoinOrder = int(order)

	data, err := json.Marshal(p)
	if err != nil {
		return domain.Player{}, err
	}
	added, err := s.client.HSetNX(ctx, s.playersKey(sessionID), p.ID, data).Result()
	if err != nil {
		return domain.Player{}, storeErr(err)
	}
	if !added {
		// Same player id arriving twice keeps the original record.
		raw, err := s.client.HGet(ctx, s.playersKey(sessionID), p.ID).Result()
		if err != nil {
			return domain.Player{}, storeErr(err)
		}
		var existing domain.Player
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return domain.Player{}, err
		}
		return existing, nil
	}

	s.bumpVersion(ctx, sessionID)
	s.refreshTTL(ctx, sessionID)
	s.publish(ctx, sessionID)
	return p, nil
}

func (s *SessionStore) ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	raw, err := s.client.HGetAll(ctx, s.playersKey(sessionID)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	players := make([]domain.Player, 0, len(raw))
	for _, blob := range raw {
		var p domain.Player
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("decode player: %w", err)
		}
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].JoinOrder < players[j].JoinOrder })
	return players, nil
}

func (s *SessionStore) SetPlayerScore(ctx context.Context, sessionID, playerID string, score int) error {
	raw, err := s.client.HGet(ctx, s.playersKey(sessionID), playerID).Result()
	if err == redis.Nil {
		return domain.ErrPlayerNotFound
	}
	if err != nil {
		return storeErr(err)
	}
	var p domain.Player
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decode player: %w", err)
	}
	p.Score = score
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.playersKey(sessionID), playerID, data).Err(); err != nil {
		return storeErr(err)
	}
	s.bumpVersion(ctx, sessionID)
	s.publish(ctx, sessionID)
	return nil
}

func (s *SessionStore) AddAnswer(ctx context.Context, sessionID string, a domain.Answer) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := s.answersKey(sessionID, a.QuestionIndex)
	added, err := s.client.HSetNX(ctx, key, a.PlayerID, data).Result()
	if err != nil {
		return storeErr(err)
	}
	if !added {
		return domain.ErrAlreadyAnswered
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return nil
}

func (s *SessionStore) ListAnswers(ctx context.Context, sessionID string, questionIndex int) ([]domain.Answer, error) {
	raw, err := s.client.HGetAll(ctx, s.answersKey(sessionID, questionIndex)).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	answers := make([]domain.Answer, 0, len(raw))
	for _, blob := range raw {
		var a domain.Answer
		if err := json.Unmarshal([]byte(blob), &a); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, nil
}

func (s *SessionStore) ClaimScoringPass(ctx context.Context, sessionID string, questionIndex int) error {
	claimed, err := s.client.HSetNX(ctx, s.scoredKey(sessionID), strconv.Itoa(questionIndex), "1").Result()
	if err != nil {
		return storeErr(err)
	}
	if !claimed {
		return domain.ErrStaleTransition
	}
	return nil
}

func (s *SessionStore) ClaimAward(ctx context.Context, sessionID string, questionIndex int, playerID string) (bool, error) {
	field := strconv.Itoa(questionIndex) + ":" + playerID
	applied, err := s.client.HSetNX(ctx, s.awardsKey(sessionID), field, "1").Result()
	if err != nil {
		return false, storeErr(err)
	}
	if applied && s.ttl > 0 {
		_ = s.client.Expire(ctx, s.awardsKey(sessionID), s.ttl).Err()
	}
	return applied, nil
}

func (s *SessionStore) ReplaceLeaderboard(ctx context.Context, sessionID string, entries []domain.LeaderboardEntry) error {
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.leaderboardKey(sessionID), data, s.ttl).Err(); err != nil {
		return storeErr(err)
	}
	s.bumpVersion(ctx, sessionID)
	s.publish(ctx, sessionID)
	return nil
}

func (s *SessionStore) GetLeaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	raw, err := s.client.Get(ctx, s.leaderboardKey(sessionID)).Result()
	if err == redis.Nil {
		return []domain.LeaderboardEntry{}, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	return entries, nil
}

func (s *SessionStore) Snapshot(ctx context.Context, sessionID string) (domain.SessionSnapshot, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	players, err := s.ListPlayers(ctx, sessionID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	leaderboard, err := s.GetLeaderboard(ctx, sessionID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return domain.SessionSnapshot{Session: session, Players: players, Leaderboard: leaderboard}, nil
}

func (s *SessionStore) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionSnapshot, func(), error) {
	initial, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	pubsub := s.client.Subscribe(ctx, s.channel(sessionID))
	ch := make(chan domain.SessionSnapshot, 8)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		ch <- initial
		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var snap domain.SessionSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				select {
				case ch <- snap:
				default:
					// Evict the oldest buffered snapshot for slow consumers.
					select {
					case <-ch:
					default:
					}
					ch <- snap
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return ch, cancel, nil
}

// publish pushes the freshly assembled snapshot to all subscribers.
// Best-effort: observers that miss a message converge on the next one.
func (s *SessionStore) publish(ctx context.Context, sessionID string) {
	snap, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, s.channel(sessionID), data).Err()
}

func (s *SessionStore) bumpVersion(ctx context.Context, sessionID string) {
	_ = s.client.HIncrBy(ctx, s.sessionKey(sessionID), "version", 1).Err()
}

func (s *SessionStore) refreshTTL(ctx context.Context, sessionID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, key := range []string{
		s.sessionKey(sessionID),
		s.playersKey(sessionID),
		s.playerSeqKey(sessionID),
		s.scoredKey(sessionID),
		s.awardsKey(sessionID),
		s.leaderboardKey(sessionID),
	} {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, _ = pipe.Exec(ctx)
}

func decodeSession(fields map[string]string) (domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal([]byte(fields["data"]), &session); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	// The hash field is authoritative for the version; the embedded copy may
	// predate later roster or leaderboard bumps.
	if v, err := strconv.ParseInt(fields["version"], 10, 64); err == nil {
		session.Version = v
	}
	return session, nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func (s *SessionStore) sessionKey(id string) string   { return "session:" + id }
func (s *SessionStore) joinCodeKey(code string) string { return "session:code:" + code }
func (s *SessionStore) playersKey(id string) string   { return "session:" + id + ":players" }
func (s *SessionStore) playerSeqKey(id string) string { return "session:" + id + ":playerseq" }
func (s *SessionStore) answersKey(id string, q int) string {
	return "session:" + id + ":answers:" + strconv.Itoa(q)
}
func (s *SessionStore) scoredKey(id string) string      { return "session:" + id + ":scored" }
func (s *SessionStore) awardsKey(id string) string      { return "session:" + id + ":awards" }
func (s *SessionStore) leaderboardKey(id string) string { return "session:" + id + ":leaderboard" }
func (s *SessionStore) channel(id string) string        { return "session:" + id + ":updates" }
