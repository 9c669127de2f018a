package app

import (
	"testing"
	"time"

	"trivia-live-service/internal/domain"
)

func TestPointsFor(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limit := 30 * time.Second

	cases := []struct {
		name     string
		answered time.Time
		expected int
	}{
		{"instant answer gets full bonus", start, 150},
		{"five seconds in", start.Add(5 * time.Second), 142},
		{"half time", start.Add(15 * time.Second), 125},
		{"at the limit", start.Add(30 * time.Second), 100},
		{"late answer clamps to base", start.Add(45 * time.Second), 100},
		{"clock skew before start clamps to full bonus", start.Add(-3 * time.Second), 150},
	}
	for _, tc := range cases {
		if got := PointsFor(tc.answered, start, limit); got != tc.expected {
			t.Fatalf("%s: got %d, expected %d", tc.name, got, tc.expected)
		}
	}
}

func TestScoreAnswersSkipsIncorrect(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	question := domain.Question{Options: []string{"a", "b"}, CorrectAnswer: 1, TimeLimitSeconds: 30}

	awards := ScoreAnswers(question, start, 30*time.Second, []domain.Answer{
		{PlayerID: "p1", SelectedOption: 1, AnsweredAt: start.Add(5 * time.Second), IsCorrect: true},
		{PlayerID: "p2", SelectedOption: 0, AnsweredAt: start.Add(2 * time.Second), IsCorrect: false},
	})
	if len(awards) != 1 {
		t.Fatalf("expected one award, got %d", len(awards))
	}
	if awards["p1"] != 142 {
		t.Fatalf("expected 142 for p1, got %d", awards["p1"])
	}
}

func TestRecomputeLeaderboardRanks(t *testing.T) {
	players := []domain.Player{
		{ID: "p1", Name: "Alice", Score: 100, JoinOrder: 1},
		{ID: "p2", Name: "Bob", Score: 250, JoinOrder: 2},
		{ID: "p3", Name: "Cara", Score: 100, JoinOrder: 3},
		{ID: "p4", Name: "Dan", Score: 50, JoinOrder: 4},
	}
	entries := RecomputeLeaderboard(players)

	if len(entries) != len(players) {
		t.Fatalf("entry count %d != player count %d", len(entries), len(players))
	}
	expected := []domain.LeaderboardEntry{
		{PlayerID: "p2", PlayerName: "Bob", Score: 250, Rank: 1},
		{PlayerID: "p1", PlayerName: "Alice", Score: 100, Rank: 2},
		{PlayerID: "p3", PlayerName: "Cara", Score: 100, Rank: 2},
		{PlayerID: "p4", PlayerName: "Dan", Score: 50, Rank: 3},
	}
	for i := range expected {
		if entries[i] != expected[i] {
			t.Fatalf("entry %d = %+v, expected %+v", i, entries[i], expected[i])
		}
	}
}

func TestRecomputeLeaderboardEmpty(t *testing.T) {
	if entries := RecomputeLeaderboard(nil); len(entries) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", entries)
	}
}
