package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
	"trivia-live-service/internal/infra/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, clockwork.Clock) {
	t.Helper()
	store := memory.NewSessionStore()
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuizzes()), time.Minute)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	service := app.NewSessionServiceWithClock(store, quizRepo, clock)
	handler := NewWSHandler(service, domain.SessionSettings{QuestionTimeLimit: 30, ShowLeaderboard: true})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, clock
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketSessionFlow(t *testing.T) {
	server, clock := newTestServer(t)

	host := dial(t, server)
	writeMsg(host, t, "create", map[string]any{"quizId": "quiz-1", "hostId": "host-1"})
	_, created := readNext(host, t, "created")
	session := created["session"].(map[string]any)
	joinCode := session["joinCode"].(string)
	if joinCode == "" {
		t.Fatalf("expected a join code on created session")
	}

	player := dial(t, server)
	writeMsg(player, t, "join", map[string]any{"joinCode": joinCode, "name": "Alice"})
	_, joined := readNext(player, t, "joined")
	if joined["playerId"] == "" {
		t.Fatalf("expected joined payload to carry a player id")
	}

	// The join bumps the session document, so the host observes a snapshot
	// with the new roster before the game starts.
	waitForSnapshot(host, t, func(snap map[string]any) bool {
		players, _ := snap["players"].([]any)
		return len(players) == 1
	})

	writeMsg(host, t, "start", map[string]any{})
	waitForSnapshot(host, t, func(snap map[string]any) bool {
		sess := snap["session"].(map[string]any)
		return sess["phase"] == string(domain.PhaseQuestionLive)
	})

	answeredAt := clock.Now().Add(5 * time.Second).Format(time.RFC3339)
	writeMsg(player, t, "answer", map[string]any{
		"questionIndex":  0,
		"selectedOption": 1,
		"answeredAt":     answeredAt,
	})
	_, result := readNext(player, t, "answerResult")
	if result["accepted"] != true {
		t.Fatalf("expected answer to be accepted, got %v", result)
	}

	// A duplicate submit is reported softly, not as an error.
	writeMsg(player, t, "answer", map[string]any{
		"questionIndex":  0,
		"selectedOption": 2,
		"answeredAt":     answeredAt,
	})
	_, dup := readNext(player, t, "answerResult")
	if dup["alreadyAnswered"] != true {
		t.Fatalf("expected duplicate submit to report alreadyAnswered, got %v", dup)
	}

	writeMsg(host, t, "endQuestion", map[string]any{})
	waitForSnapshot(host, t, func(snap map[string]any) bool {
		sess := snap["session"].(map[string]any)
		if sess["phase"] != string(domain.PhaseResults) {
			return false
		}
		entries, _ := snap["leaderboard"].([]any)
		if len(entries) != 1 {
			return false
		}
		top := entries[0].(map[string]any)
		return top["score"] == float64(142) && top["rank"] == float64(1)
	})

	writeMsg(host, t, "nextQuestion", map[string]any{})
	waitForSnapshot(host, t, func(snap map[string]any) bool {
		sess := snap["session"].(map[string]any)
		return sess["phase"] == string(domain.PhaseEnded)
	})
}

func TestWebSocketCommandsRequireSession(t *testing.T) {
	server, _ := newTestServer(t)

	conn := dial(t, server)
	writeMsg(conn, t, "start", map[string]any{})
	_, payload := readNext(conn, t, "error")
	if payload["message"] == "" {
		t.Fatalf("expected an error message for start without a session")
	}

	writeMsg(conn, t, "answer", map[string]any{"questionIndex": 0, "selectedOption": 0})
	readNext(conn, t, "error")
}

func TestWebSocketJoinUnknownCode(t *testing.T) {
	server, _ := newTestServer(t)

	conn := dial(t, server)
	writeMsg(conn, t, "join", map[string]any{"joinCode": "ZZZZZZ", "name": "Bob"})
	readNext(conn, t, "error")
}

func TestWebSocketDisconnectDuringUpdates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSessionStore()
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuizzes()), time.Minute)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	service := app.NewSessionServiceWithClock(store, quizRepo, clock)
	handler := NewWSHandler(service, domain.SessionSettings{QuestionTimeLimit: 30})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	session, err := service.CreateSession(ctx, "quiz-1", "host-1", domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Keep the snapshot stream busy while connections come and go, so
	// teardown races against in-flight forwarded snapshots.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = store.ReplaceLeaderboard(ctx, session.ID, []domain.LeaderboardEntry{
				{PlayerID: "p1", PlayerName: "Alice", Score: i, Rank: 1},
			})
		}
	}()

	for i := 0; i < 20; i++ {
		conn := dial(t, server)
		writeMsg(conn, t, "join", map[string]any{"joinCode": session.JoinCode, "name": "Churn"})
		readNext(conn, t, "joined")
		conn.Close()
	}
	close(stop)
	wg.Wait()

	// The server must survive every disconnect and still accept new clients.
	conn := dial(t, server)
	writeMsg(conn, t, "join", map[string]any{"joinCode": session.JoinCode, "name": "Late"})
	readNext(conn, t, "joined")
}

func writeMsg(conn *websocket.Conn, t *testing.T, msgType string, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json: %v", err)
		}
		// Snapshot pushes interleave with replies; skip them unless asked for.
		if expect != "" && msg.Type == "session" && expect != "session" {
			continue
		}
		if expect != "" && msg.Type != expect {
			t.Fatalf("expected type %s, got %s (%v)", expect, msg.Type, msg.Payload)
		}
		return msg.Type, msg.Payload
	}
}

// waitForSnapshot reads session pushes until one satisfies the predicate.
func waitForSnapshot(conn *websocket.Conn, t *testing.T, ok func(map[string]any) bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 20; i++ {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json: %v", err)
		}
		if msg.Type != "session" {
			continue
		}
		if ok(msg.Payload) {
			return
		}
	}
	t.Fatalf("no snapshot matched the predicate")
}

func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Arithmetic",
			Questions: []domain.Question{
				{
					Text:             "What is 2 + 2?",
					Options:          []string{"3", "4", "5"},
					CorrectAnswer:    1,
					TimeLimitSeconds: 30,
				},
			},
		},
	}
}
