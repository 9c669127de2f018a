package app

import (
	"math"
	"sort"
	"time"

	"trivia-live-service/internal/domain"
)

const (
	basePoints   = 100
	maxTimeBonus = 50
)

// PointsFor computes the time-decayed reward for a correct answer. The
// answer duration is clamped into [0, timeLimit] before the linear decay, so
// a skewed client clock can neither mint a negative duration nor exceed the
// full bonus.
func PointsFor(answeredAt, questionStart time.Time, timeLimit time.Duration) int {
	duration := answeredAt.Sub(questionStart)
	if duration < 0 {
		duration = 0
	}
	if duration > timeLimit {
		duration = timeLimit
	}
	ratio := 1 - float64(duration)/float64(timeLimit)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return basePoints + int(math.Round(ratio*maxTimeBonus))
}

// ScoreAnswers runs the scoring math over one question's answer set and
// returns points per player. Incorrect and missing answers earn nothing and
// are absent from the result.
func ScoreAnswers(question domain.Question, questionStart time.Time, timeLimit time.Duration, answers []domain.Answer) map[string]int {
	awards := make(map[string]int, len(answers))
	for _, answer := range answers {
		if !answer.IsCorrect {
			continue
		}
		awards[answer.PlayerID] = PointsFor(answer.AnsweredAt, questionStart, timeLimit)
	}
	return awards
}

// RecomputeLeaderboard builds the full replacement standings snapshot:
// score descending, ties ordered by join order then player id, with dense
// 1-based ranks where only exactly equal scores share a rank value.
func RecomputeLeaderboard(players []domain.Player) []domain.LeaderboardEntry {
	ordered := make([]domain.Player, len(players))
	copy(ordered, players)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		if ordered[i].JoinOrder != ordered[j].JoinOrder {
			return ordered[i].JoinOrder < ordered[j].JoinOrder
		}
		return ordered[i].ID < ordered[j].ID
	})

	entries := make([]domain.LeaderboardEntry, 0, len(ordered))
	rank := 0
	lastScore := 0
	for i, p := range ordered {
		if i == 0 || p.Score != lastScore {
			rank++
			lastScore = p.Score
		}
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Score:      p.Score,
			Rank:       rank,
		})
	}
	return entries
}
