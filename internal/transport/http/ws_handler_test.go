package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/live"
	"github.com/gorilla/websocket"
)

func newWSTestServer(t *testing.T) (*httptest.Server, *live.Coordinator) {
	t.Helper()
	docs := memory.NewStore()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuizzes()), time.Minute)
	coordinator := live.NewCoordinator(docs, quizzes)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewWSHandler(coordinator).ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, coordinator
}

func dialWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil drains frames until one of the wanted type arrives; session
// snapshots may interleave with direct replies on the same connection.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(deadline)
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json waiting for %s: %v", want, err)
		}
		if msg.Type == "error" {
			t.Fatalf("unexpected error frame while waiting for %s: %v", want, msg.Payload)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
}

func TestWebSocketStudentAnswerFlow(t *testing.T) {
	server, coordinator := newWSTestServer(t)
	ctx := context.Background()

	session, err := coordinator.CreateSession(ctx, "quiz-1", "host-1", "Ms. Rivera", domain.SessionSettings{AllowLateJoin: true}, 30)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := coordinator.StartQuiz(ctx, session.SessionID); err != nil {
		t.Fatalf("start quiz: %v", err)
	}

	conn := dialWS(t, server, "code="+session.SessionCode+"&userId=u1&name=Alice")

	joined := readUntil(t, conn, "joined")
	if joined["alreadyJoined"] != false {
		t.Fatalf("expected fresh join, got %v", joined)
	}

	answer := map[string]any{
		"type": "answer",
		"payload": map[string]any{
			"questionIndex": 0,
			"answer":        "4",
			"question": map[string]any{
				"question": "What is 2 + 2?",
				"options":  []string{"3", "4", "5"},
				"answer":   "4",
			},
		},
	}
	if err := conn.WriteJSON(answer); err != nil {
		t.Fatalf("write answer: %v", err)
	}

	result := readUntil(t, conn, "answerResult")
	if result["correct"] != true {
		t.Fatalf("expected correct answer, got %v", result)
	}
	if result["newScore"] != float64(1) || result["questionsAnswered"] != float64(1) {
		t.Fatalf("unexpected score payload: %v", result)
	}
}

func TestWebSocketStudentBadCode(t *testing.T) {
	server, _ := newWSTestServer(t)

	conn := dialWS(t, server, "code=ZZZZZZ&userId=u1&name=Alice")

	var msg struct {
		Type string `json:"type"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg.Type != "error" {
		t.Fatalf("expected error frame, got %s", msg.Type)
	}
}

func TestWebSocketHostDrivesLifecycle(t *testing.T) {
	server, coordinator := newWSTestServer(t)
	ctx := context.Background()

	session, err := coordinator.CreateSession(ctx, "quiz-1", "host-1", "Ms. Rivera", domain.SessionSettings{}, 30)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := coordinator.JoinSession(ctx, session.SessionCode, "u1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	conn := dialWS(t, server, "role=host&sessionId="+session.SessionID)

	// The host sees the current session and roster right away.
	snapshot := readUntil(t, conn, "session")
	if snapshot["status"] != string(domain.PhaseWaiting) {
		t.Fatalf("expected waiting snapshot, got %v", snapshot["status"])
	}
	readUntil(t, conn, "participants")

	if err := conn.WriteJSON(map[string]any{"type": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("never observed the active session state")
		}
		payload := readUntil(t, conn, "session")
		if payload["status"] == string(domain.PhaseActive) {
			break
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	for {
		if time.Now().After(deadline) {
			t.Fatalf("never observed the completed session state")
		}
		payload := readUntil(t, conn, "session")
		if payload["status"] == string(domain.PhaseCompleted) {
			break
		}
	}
}

func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:   "quiz-1",
			Name: "Arithmetic",
			Questions: []domain.Question{
				{
					Text:    "What is 2 + 2?",
					Options: []string{"3", "4", "5"},
					Answer:  "4",
				},
				{
					Text:    "What is 3 + 3?",
					Options: []string{"5", "6", "7"},
					Answer:  "6",
				},
			},
		},
	}
}
