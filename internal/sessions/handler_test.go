package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/interviewlink/backend/internal/auth"
	"github.com/interviewlink/backend/internal/middleware"
	"github.com/interviewlink/backend/internal/models"
	"github.com/interviewlink/backend/pkg/queue"
)

type fakeLeaveQueue struct {
	mu   sync.Mutex
	jobs []queue.SessionLeavePayload
	err  error
}

func (q *fakeLeaveQueue) EnqueueSessionLeave(_ context.Context, p queue.SessionLeavePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, p)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	router *gin.Engine
	store  *memStore
	jwt    *auth.JWTService
	leaves *fakeLeaveQueue
}

func newTestServer(t *testing.T, withQueue bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	jwtSvc := auth.NewJWTService("test-secret", time.Hour)
	ts := &testServer{store: store, jwt: jwtSvc}
	var leaves LeaveQueue
	if withQueue {
		ts.leaves = &fakeLeaveQueue{}
		leaves = ts.leaves
	}
	h := NewHandler(NewService(store, nil, nil), leaves, nil)
	r := gin.New()
	h.RegisterRoutes(r, middleware.OptionalJWT(jwtSvc), middleware.JWT(jwtSvc))
	ts.router = r
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func TestHandlerCreateAndActive(t *testing.T) {
	ts := newTestServer(t, false)
	u1 := uuid.New()

	w, env := ts.do(t, http.MethodPost, "/call-sessions", gin.H{
		"meeting_id": "ABC123", "user_id": u1.String(), "user_name": "A", "user_role": "candidate", "peer_id": "peer-a-1",
	}, nil)
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		SessionID uuid.UUID          `json:"session_id"`
		Session   models.CallSession `json:"session"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	w, env = ts.do(t, http.MethodPost, "/call-sessions", gin.H{
		"meeting_id": "ABC123", "user_id": u1.String(), "peer_id": "peer-a-1",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat create: expected 200 for existing session, got %d", w.Code)
	}
	var again struct {
		SessionID uuid.UUID `json:"session_id"`
	}
	_ = json.Unmarshal(env.Data, &again)
	if again.SessionID != created.SessionID {
		t.Errorf("expected same session id, got %s and %s", created.SessionID, again.SessionID)
	}

	_, env = ts.do(t, http.MethodGet, "/call-sessions/active?meeting_id=ABC123&user_id="+u1.String(), nil, nil)
	var active struct {
		HasActiveSession bool       `json:"has_active_session"`
		SessionID        *uuid.UUID `json:"session_id"`
	}
	_ = json.Unmarshal(env.Data, &active)
	if !active.HasActiveSession || active.SessionID == nil || *active.SessionID != created.SessionID {
		t.Errorf("unexpected active result %+v", active)
	}

	_, env = ts.do(t, http.MethodGet, "/call-sessions/active?meeting_id=ABC123&user_id=guest-42", nil, nil)
	active.HasActiveSession, active.SessionID = true, nil
	_ = json.Unmarshal(env.Data, &active)
	if active.HasActiveSession {
		t.Error("guest should have no active session")
	}
}

func TestHandlerCreateValidation(t *testing.T) {
	ts := newTestServer(t, false)
	w, env := ts.do(t, http.MethodPost, "/call-sessions", gin.H{"meeting_id": "ABC123"}, nil)
	if w.Code != http.StatusBadRequest || env.Success {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w, _ = ts.do(t, http.MethodGet, "/call-sessions/active", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("active without meeting: expected 400, got %d", w.Code)
	}
}

func TestHandlerTokenUserWins(t *testing.T) {
	ts := newTestServer(t, false)
	tokenUser := uuid.New()
	token, _ := ts.jwt.Generate(tokenUser, "", "employer")

	w, env := ts.do(t, http.MethodPost, "/call-sessions", gin.H{
		"meeting_id": "ABC123", "user_id": uuid.New().String(), "peer_id": "peer-e-1",
	}, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Session models.CallSession `json:"session"`
	}
	_ = json.Unmarshal(env.Data, &created)
	if created.Session.UserID == nil || *created.Session.UserID != tokenUser {
		t.Errorf("expected token user %s, got %v", tokenUser, created.Session.UserID)
	}
}

func TestHandlerLeaveIdempotent(t *testing.T) {
	ts := newTestServer(t, false)
	s, _, err := NewService(ts.store, nil, nil).Create(context.Background(), models.CreateSessionRequest{MeetingID: "ABC123", PeerID: "peer-guest-1"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	body := gin.H{"session_id": s.ID.String(), "disconnect_reason": "left_intentionally"}
	w, env := ts.do(t, http.MethodPost, "/call-sessions/leave", body, nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("first leave: %d %s", w.Code, w.Body.String())
	}

	w, env = ts.do(t, http.MethodPost, "/call-sessions/leave", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second leave: expected 200, got %d", w.Code)
	}
	var res models.LeaveResult
	_ = json.Unmarshal(env.Data, &res)
	if !res.Success || res.Duration != 0 {
		t.Errorf("second leave: expected success with duration 0, got %+v", res)
	}

	w, _ = ts.do(t, http.MethodPost, "/call-sessions/leave", gin.H{"session_id": "nope"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", w.Code)
	}
}

func TestHandlerLeaveBeacon(t *testing.T) {
	t.Run("text/plain body is queued", func(t *testing.T) {
		ts := newTestServer(t, true)
		id := uuid.New()
		w, _ := ts.do(t, http.MethodPost, "/call-sessions/leave-beacon",
			`{"session_id":"`+id.String()+`"}`, map[string]string{"Content-Type": "text/plain;charset=UTF-8"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", w.Code)
		}
		if len(ts.leaves.jobs) != 1 {
			t.Fatalf("expected 1 queued leave, got %d", len(ts.leaves.jobs))
		}
		job := ts.leaves.jobs[0]
		if job.SessionID != id || job.DisconnectReason != string(models.ReasonTabClosed) {
			t.Errorf("unexpected job %+v", job)
		}
	})

	t.Run("without queue the session is ended inline", func(t *testing.T) {
		ts := newTestServer(t, false)
		s, _, _ := NewService(ts.store, nil, nil).Create(context.Background(), models.CreateSessionRequest{MeetingID: "ABC123", PeerID: "p"})
		w, _ := ts.do(t, http.MethodPost, "/call-sessions/leave-beacon", gin.H{"session_id": s.ID.String()}, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", w.Code)
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			rows, _ := ts.store.ListActive(context.Background(), "ABC123")
			if len(rows) == 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Error("session still active after inline beacon leave")
	})

	t.Run("queue failure falls back inline", func(t *testing.T) {
		ts := newTestServer(t, true)
		ts.leaves.err = errors.New("redis down")
		s, _, _ := NewService(ts.store, nil, nil).Create(context.Background(), models.CreateSessionRequest{MeetingID: "ABC123", PeerID: "p"})
		w, _ := ts.do(t, http.MethodPost, "/call-sessions/leave-beacon", gin.H{"session_id": s.ID.String()}, nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", w.Code)
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			rows, _ := ts.store.ListActive(context.Background(), "ABC123")
			if len(rows) == 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Error("session still active after fallback leave")
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := newTestServer(t, true)
		w, _ := ts.do(t, http.MethodPost, "/call-sessions/leave-beacon", "session=1", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestHandlerParticipantsAndHistory(t *testing.T) {
	ts := newTestServer(t, false)
	svc := NewService(ts.store, nil, nil)
	u1 := uuid.New()
	_, _, _ = svc.Create(context.Background(), models.CreateSessionRequest{MeetingID: "ABC123", UserID: u1.String(), UserName: "A", PeerID: "peer-a"})
	_, _, _ = svc.Create(context.Background(), models.CreateSessionRequest{MeetingID: "ABC123", UserName: "Guest B", PeerID: "peer-guest-b"})

	w, env := ts.do(t, http.MethodGet, "/meetings/ABC123/participants", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("participants: %d", w.Code)
	}
	var participants []models.Participant
	_ = json.Unmarshal(env.Data, &participants)
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
	if !strings.HasPrefix(participants[1].PeerID, "peer-guest") {
		t.Errorf("expected join order, got %+v", participants)
	}

	w, _ = ts.do(t, http.MethodGet, "/meetings/ABC123/sessions", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("history without token: expected 401, got %d", w.Code)
	}

	token, _ := ts.jwt.Generate(u1, "", "candidate")
	w, env = ts.do(t, http.MethodGet, "/meetings/ABC123/sessions?user_id="+u1.String(), nil, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	var history models.SessionHistory
	_ = json.Unmarshal(env.Data, &history)
	if history.Analytics.TotalSessions != 1 || history.Analytics.ActiveSessions != 1 {
		t.Errorf("unexpected analytics %+v", history.Analytics)
	}
}
