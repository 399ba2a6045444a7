package http

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/live"
	"github.com/gorilla/websocket"
)

// WSHandler bridges websocket clients onto the session coordinator: hosts
// drive the session lifecycle, students join and submit answers, and both
// receive document-store updates as they commit.
type WSHandler struct {
	coordinator *live.Coordinator
	upgrader    websocket.Upgrader
}

func NewWSHandler(coordinator *live.Coordinator) *WSHandler {
	return &WSHandler{
		coordinator: coordinator,
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

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type joinedPayload struct {
	Session       domain.Session `json:"session"`
	AlreadyJoined bool           `json:"alreadyJoined"`
}

type answerPayload struct {
	QuestionIndex int             `json:"questionIndex"`
	Answer        string          `json:"answer"`
	Question      domain.Question `json:"question"`
}

type answerResult struct {
	QuestionIndex     int     `json:"questionIndex"`
	Correct           bool    `json:"correct"`
	NewScore          int     `json:"newScore"`
	QuestionsAnswered int     `json:"questionsAnswered"`
	Percentage        float64 `json:"percentage"`
}

type indexPayload struct {
	CurrentIndex  int `json:"currentIndex"`
	QuestionIndex int `json:"questionIndex"`
}

// ServeWS upgrades HTTP requests to websockets. Hosts connect with
// ?role=host&sessionId=..., students with ?code=...&userId=...&name=...
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("role") == "host" {
		h.serveHost(w, r)
		return
	}
	h.serveStudent(w, r)
}

func (h *WSHandler) serveStudent(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	userID := r.URL.Query().Get("userId")
	name := r.URL.Query().Get("name")
	if code == "" || userID == "" || name == "" {
		http.Error(w, "missing code, userId, or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	joined, err := h.coordinator.JoinSession(r.Context(), code, userID, name)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	sessionID := joined.Session.SessionID

	watch, err := h.coordinator.WatchSession(r.Context(), sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer watch.Close()

	writer := newConnWriter(conn)
	defer writer.finish()

	go func() {
		for update := range watch.Updates() {
			if update.Deleted {
				return
			}
			if !writer.send(outboundMessage[any]{Type: "session", Payload: update.Session}) {
				return
			}
		}
	}()

	writer.send(outboundMessage[any]{Type: "joined", Payload: joinedPayload{Session: joined.Session, AlreadyJoined: joined.AlreadyJoined}})

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				writer.send(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			result, err := h.coordinator.SubmitAnswer(r.Context(), sessionID, userID, payload.QuestionIndex, payload.Answer, payload.Question)
			if err != nil {
				writer.send(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}})
				continue
			}
			writer.send(outboundMessage[any]{Type: "answerResult", Payload: answerResult{
				QuestionIndex:     payload.QuestionIndex,
				Correct:           result.IsCorrect,
				NewScore:          result.NewScore,
				QuestionsAnswered: result.QuestionsAnswered,
				Percentage:        result.Percentage,
			}})
		default:
			writer.send(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}
}

func (h *WSHandler) serveHost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionWatch, err := h.coordinator.WatchSession(r.Context(), sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer sessionWatch.Close()

	participantsWatch, err := h.coordinator.WatchParticipants(r.Context(), sessionID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer participantsWatch.Close()

	writer := newConnWriter(conn)
	defer writer.finish()

	go func() {
		for update := range sessionWatch.Updates() {
			if update.Deleted {
				return
			}
			if !writer.send(outboundMessage[any]{Type: "session", Payload: update.Session}) {
				return
			}
		}
	}()
	go func() {
		for roster := range participantsWatch.Updates() {
			if !writer.send(outboundMessage[any]{Type: "participants", Payload: roster}) {
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		var payload indexPayload
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				writer.send(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid payload"}})
				continue
			}
		}

		var actionErr error
		switch inbound.Type {
		case "start":
			actionErr = h.coordinator.StartQuiz(r.Context(), sessionID)
		case "next":
			actionErr = h.coordinator.NextQuestion(r.Context(), sessionID, payload.CurrentIndex)
		case "beginEdit":
			actionErr = h.coordinator.BeginEdit(r.Context(), sessionID, payload.QuestionIndex)
		case "finishEdit":
			actionErr = h.coordinator.FinishEdit(r.Context(), sessionID, payload.QuestionIndex)
		case "end":
			actionErr = h.coordinator.EndSession(r.Context(), sessionID)
		default:
			writer.send(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
			continue
		}
		if actionErr != nil {
			writer.send(outboundMessage[any]{Type: "error", Payload: errorPayload{Message: actionErr.Error()}})
		}
	}
}

// connWriter serializes all writes to one connection through a single
// goroutine so the session and participants feeds cannot interleave frames.
type connWriter struct {
	out        chan outboundMessage[any]
	writerDone chan struct{}

	mu     sync.Mutex
	closed bool
}

func newConnWriter(conn *websocket.Conn) *connWriter {
	w := &connWriter{
		out:        make(chan outboundMessage[any], 16),
		writerDone: make(chan struct{}),
	}
	go func() {
		defer close(w.writerDone)
		for msg := range w.out {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()
	return w
}

// send queues a message, dropping the oldest queued message when the client
// cannot keep up. It reports false once the writer has shut down.
func (w *connWriter) send(msg outboundMessage[any]) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case <-w.writerDone:
		return false
	default:
	}
	select {
	case w.out <- msg:
	default:
		select {
		case <-w.out:
		default:
		}
		w.out <- msg
	}
	return true
}

func (w *connWriter) finish() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.out)
	w.mu.Unlock()
	<-w.writerDone
}
