package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"trivia-live-service/internal/domain"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSessionStore(client, time.Minute), mr
}

func lobbySession(id, code string) domain.Session {
	return domain.Session{
		ID:        id,
		JoinCode:  code,
		QuizID:    "quiz-1",
		Phase:     domain.PhaseLobby,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndLookupSession(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	created, err := store.CreateSession(ctx, lobbySession("s1", "abc123"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 || created.JoinCode != "ABC123" {
		t.Fatalf("unexpected created session %+v", created)
	}
	if !mr.Exists("session:s1") || !mr.Exists("session:code:ABC123") {
		t.Fatalf("expected session and join code keys in redis")
	}

	if _, err := store.CreateSession(ctx, lobbySession("s2", "ABC123")); err != domain.ErrJoinCodeTaken {
		t.Fatalf("expected join code collision, got %v", err)
	}

	id, err := store.SessionIDByJoinCode(ctx, "abc123")
	if err != nil || id != "s1" {
		t.Fatalf("lookup = (%q, %v)", id, err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil || got.ID != "s1" || got.Phase != domain.PhaseLobby {
		t.Fatalf("get session = (%+v, %v)", got, err)
	}
}

func TestConditionalUpdateConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	created, err := store.CreateSession(ctx, lobbySession("s1", "ABC123"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := created
	next.Phase = domain.PhaseQuestionLive
	now := time.Now().UTC()
	next.TimerAnchor = &domain.TimerAnchor{StartInstant: now, DurationSeconds: 30}
	next.QuestionStartedAt = &now

	committed, err := store.UpdateSessionIf(ctx, next, domain.PhaseLobby, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if committed.Version != 2 {
		t.Fatalf("expected version 2, got %d", committed.Version)
	}

	// The same pre-state no longer holds; a retry loses the CAS.
	if _, err := store.UpdateSessionIf(ctx, next, domain.PhaseLobby, 0); err != domain.ErrStaleTransition {
		t.Fatalf("expected stale transition, got %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != domain.PhaseQuestionLive || got.TimerAnchor == nil {
		t.Fatalf("committed document lost: %+v", got)
	}
}

func TestPlayersJoinOrderAndScore(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if _, err := store.CreateSession(ctx, lobbySession("s1", "ABC123")); err != nil {
		t.Fatalf("create: %v", err)
	}

	alice, err := store.AddPlayer(ctx, "s1", domain.Player{ID: "p1", Name: "Alice"})
	if err != nil {
		t.Fatalf("add alice: %v", err)
	}
	bob, err := store.AddPlayer(ctx, "s1", domain.Player{ID: "p2", Name: "Bob"})
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if alice.JoinOrder != 1 || bob.JoinOrder != 2 {
		t.Fatalf("join order = %d, %d", alice.JoinOrder, bob.JoinOrder)
	}

	if err := store.SetPlayerScore(ctx, "s1", "p2", 142); err != nil {
		t.Fatalf("set score: %v", err)
	}
	players, err := store.ListPlayers(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(players) != 2 || players[0].ID != "p1" || players[1].Score != 142 {
		t.Fatalf("unexpected roster %+v", players)
	}

	if err := store.SetPlayerScore(ctx, "s1", "ghost", 1); err != domain.ErrPlayerNotFound {
		t.Fatalf("expected player not found, got %v", err)
	}
}

func TestAnswerUniquenessAndScoringClaim(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if _, err := store.CreateSession(ctx, lobbySession("s1", "ABC123")); err != nil {
		t.Fatalf("create: %v", err)
	}

	answer := domain.Answer{PlayerID: "p1", QuestionIndex: 0, SelectedOption: 1, AnsweredAt: time.Now(), IsCorrect: true}
	if err := store.AddAnswer(ctx, "s1", answer); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if err := store.AddAnswer(ctx, "s1", answer); err != domain.ErrAlreadyAnswered {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	answers, err := store.ListAnswers(ctx, "s1", 0)
	if err != nil || len(answers) != 1 {
		t.Fatalf("expected one answer, got %d (%v)", len(answers), err)
	}

	if err := store.ClaimScoringPass(ctx, "s1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.ClaimScoringPass(ctx, "s1", 0); err != domain.ErrStaleTransition {
		t.Fatalf("expected duplicate claim rejected, got %v", err)
	}
}

func TestAwardClaimIsPerPlayerSingleUse(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if _, err := store.CreateSession(ctx, lobbySession("s1", "ABC123")); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := store.ClaimAward(ctx, "s1", 0, "p1")
	if err != nil || !applied {
		t.Fatalf("first claim = (%v, %v), expected applied", applied, err)
	}
	applied, err = store.ClaimAward(ctx, "s1", 0, "p1")
	if err != nil || applied {
		t.Fatalf("second claim = (%v, %v), expected no-op", applied, err)
	}
	// Other players and questions claim independently.
	if applied, err := store.ClaimAward(ctx, "s1", 0, "p2"); err != nil || !applied {
		t.Fatalf("p2 claim = (%v, %v), expected applied", applied, err)
	}
	if applied, err := store.ClaimAward(ctx, "s1", 1, "p1"); err != nil || !applied {
		t.Fatalf("q1 claim = (%v, %v), expected applied", applied, err)
	}
}

func TestLeaderboardFullReplace(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if _, err := store.CreateSession(ctx, lobbySession("s1", "ABC123")); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := []domain.LeaderboardEntry{
		{PlayerID: "p1", PlayerName: "Alice", Score: 142, Rank: 1},
		{PlayerID: "p2", PlayerName: "Bob", Score: 0, Rank: 2},
	}
	if err := store.ReplaceLeaderboard(ctx, "s1", first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	second := []domain.LeaderboardEntry{
		{PlayerID: "p2", PlayerName: "Bob", Score: 150, Rank: 1},
		{PlayerID: "p1", PlayerName: "Alice", Score: 142, Rank: 2},
	}
	if err := store.ReplaceLeaderboard(ctx, "s1", second); err != nil {
		t.Fatalf("replace 2: %v", err)
	}

	got, err := store.GetLeaderboard(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got[0] != second[0] || got[1] != second[1] {
		t.Fatalf("expected full replacement, got %+v", got)
	}
}

func TestReleaseJoinCodeFreesIt(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	if _, err := store.CreateSession(ctx, lobbySession("s1", "ABC123")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.ReleaseJoinCode(ctx, "ABC123"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("session:code:ABC123") {
		t.Fatalf("expected join code key removed")
	}
	if _, err := store.SessionIDByJoinCode(ctx, "ABC123"); err != domain.ErrJoinCodeNotFound {
		t.Fatalf("expected code gone, got %v", err)
	}
}

func TestSnapshotAssembly(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if _, err := store.CreateSession(ctx, lobbySession("s1", "ABC123")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.AddPlayer(ctx, "s1", domain.Player{ID: "p1", Name: "Alice"}); err != nil {
		t.Fatalf("add player: %v", err)
	}

	snap, err := store.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Session.ID != "s1" || len(snap.Players) != 1 || snap.Leaderboard == nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	// Roster writes bump the document version so observers can order
	// same-phase snapshots.
	if snap.Session.Version != 2 {
		t.Fatalf("expected version 2 after join, got %d", snap.Session.Version)
	}
}
