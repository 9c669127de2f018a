package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
)

// WSHandler exposes the session lifecycle over a websocket: the host creates
// and drives a session, players join and answer, and both observe the same
// stream of store snapshots.
type WSHandler struct {
	service         *app.SessionService
	defaultSettings domain.SessionSettings
	upgrader        websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, defaults domain.SessionSettings) *WSHandler {
	return &WSHandler{
		service:         service,
		defaultSettings: defaults,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type createPayload struct {
	QuizID            string `json:"quizId"`
	HostID            string `json:"hostId"`
	QuestionTimeLimit int    `json:"questionTimeLimit"`
}

type joinPayload struct {
	JoinCode string `json:"joinCode"`
	Name     string `json:"name"`
}

type answerPayload struct {
	QuestionIndex  int       `json:"questionIndex"`
	SelectedOption int       `json:"selectedOption"`
	AnsweredAt     time.Time `json:"answeredAt"`
}

type createdPayload struct {
	Session domain.Session `json:"session"`
}

type joinedPayload struct {
	PlayerID string         `json:"playerId"`
	Session  domain.Session `json:"session"`
}

type answerResultPayload struct {
	QuestionIndex   int  `json:"questionIndex"`
	Accepted        bool `json:"accepted"`
	AlreadyAnswered bool `json:"alreadyAnswered"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs the per-connection message loop.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	var (
		sessionID      string
		playerID       string
		cancelSub      func()
		forwardersDone []chan struct{}
	)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}

		switch inbound.Type {
		case "create":
			var payload createPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- errMsg("invalid create payload")
				continue
			}
			settings := h.defaultSettings
			if payload.QuestionTimeLimit > 0 {
				settings.QuestionTimeLimit = payload.QuestionTimeLimit
			}
			session, err := h.service.CreateSession(r.Context(), payload.QuizID, payload.HostID, settings)
			if err != nil {
				send <- errMsg(err.Error())
				continue
			}
			sessionID = session.ID
			if cancelSub != nil {
				cancelSub()
			}
			cancelSub, forwardersDone = h.subscribe(r.Context(), sessionID, send, closeSignals, forwardersDone)
			send <- outboundMessage[any]{Type: "created", Payload: createdPayload{Session: session}}

		case "join":
			var payload joinPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- errMsg("invalid join payload")
				continue
			}
			player, session, err := h.service.JoinSession(r.Context(), payload.JoinCode, payload.Name)
			if err != nil {
				send <- errMsg(err.Error())
				continue
			}
			sessionID = session.ID
			playerID = player.ID
			if cancelSub != nil {
				cancelSub()
			}
			cancelSub, forwardersDone = h.subscribe(r.Context(), sessionID, send, closeSignals, forwardersDone)
			send <- outboundMessage[any]{Type: "joined", Payload: joinedPayload{PlayerID: player.ID, Session: session}}

		case "start":
			h.transition(send, sessionID, "start", func(ctx context.Context) error {
				_, err := h.service.StartSession(ctx, sessionID)
				return err
			}, r.Context())

		case "endQuestion":
			h.transition(send, sessionID, "endQuestion", func(ctx context.Context) error {
				_, err := h.service.EndCurrentQuestion(ctx, sessionID)
				return err
			}, r.Context())

		case "nextQuestion":
			h.transition(send, sessionID, "nextQuestion", func(ctx context.Context) error {
				_, err := h.service.AdvanceToNextQuestion(ctx, sessionID)
				return err
			}, r.Context())

		case "endSession":
			h.transition(send, sessionID, "endSession", func(ctx context.Context) error {
				_, err := h.service.EndSession(ctx, sessionID)
				return err
			}, r.Context())

		case "answer":
			if sessionID == "" || playerID == "" {
				send <- errMsg("join a session before answering")
				continue
			}
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- errMsg("invalid answer payload")
				continue
			}
			_, err := h.service.SubmitAnswer(r.Context(), sessionID, payload.QuestionIndex, playerID, payload.SelectedOption, payload.AnsweredAt)
			switch {
			case errors.Is(err, domain.ErrAlreadyAnswered):
				send <- outboundMessage[any]{Type: "answerResult", Payload: answerResultPayload{
					QuestionIndex:   payload.QuestionIndex,
					AlreadyAnswered: true,
				}}
			case err != nil:
				send <- errMsg(err.Error())
			default:
				send <- outboundMessage[any]{Type: "answerResult", Payload: answerResultPayload{
					QuestionIndex: payload.QuestionIndex,
					Accepted:      true,
				}}
			}

		default:
			send <- errMsg("unsupported message type")
		}
	}

	close(closeSignals)
	if cancelSub != nil {
		cancelSub()
	}
	// Every forwarder must be finished before send closes; a forwarder
	// draining buffered snapshots into a closed channel would panic.
	for _, done := range forwardersDone {
		<-done
	}
	close(send)
	<-writerDone
}

// transition runs a host command. A lost conditional write is expected under
// concurrency and not surfaced as a failure; the store snapshot stream tells
// the client which command won.
func (h *WSHandler) transition(send chan<- outboundMessage[any], sessionID, name string, fn func(context.Context) error, ctx context.Context) {
	if sessionID == "" {
		send <- errMsg("no session on this connection")
		return
	}
	err := fn(ctx)
	if errors.Is(err, domain.ErrStaleTransition) {
		log.Debug().Str("session_id", sessionID).Str("command", name).Msg("transition lost the conditional write")
		return
	}
	if err != nil {
		send <- errMsg(err.Error())
	}
}

// subscribe starts a forwarding goroutine that pushes snapshots to the
// writer, dropping deliveries that are older than the last one applied. The
// goroutine's done channel is appended to forwardersDone so teardown can wait
// for it before closing send.
func (h *WSHandler) subscribe(ctx context.Context, sessionID string, send chan<- outboundMessage[any], closeSignals <-chan struct{}, forwardersDone []chan struct{}) (func(), []chan struct{}) {
	updates, cancel, err := h.service.Subscribe(ctx, sessionID)
	if err != nil {
		send <- errMsg(err.Error())
		return nil, forwardersDone
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var last domain.SessionSnapshot
		applied := false
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				if applied && !snap.NewerThan(last) {
					continue
				}
				last = snap
				applied = true
				select {
				case send <- outboundMessage[any]{Type: "session", Payload: snap}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()
	return cancel, append(forwardersDone, done)
}

func errMsg(message string) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: message}}
}
