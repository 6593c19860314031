package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/call"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer/peertest"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/redis/go-redis/v9"
)

const testSecret = "test-secret"

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	relay    *relay.Redis
	sessions *Sessions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := relay.NewRedis(rdb, logger)
	sessions := NewSessions(func(userID string) *call.Session {
		return call.NewSession(call.Options{
			SelfID:   userID,
			Relay:    ch,
			Capturer: media.SampleCapturer{},
			NewConn:  (&peertest.Factory{}).New,
			Logger:   logger,
		})
	}, logger)
	t.Cleanup(sessions.CloseAll)

	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      testSecret,
	}
	return &testServer{
		t:        t,
		router:   NewRouter(cfg, NewAPI(ch, sessions, logger), logger),
		relay:    ch,
		sessions: sessions,
	}
}

func (s *testServer) token(userID string) string {
	s.t.Helper()
	token, err := middleware.IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		s.t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func (s *testServer) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("Marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(userID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status=%d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

func TestLogin_TokenRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "user_a", Password: "pw"})
	expectStatus(t, w, http.StatusOK)
	resp := decode[LoginResponse](t, w)
	if resp.UserID != "user_a" {
		t.Fatalf("user_id=%s", resp.UserID)
	}
	claims, err := middleware.ParseToken(testSecret, resp.Token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UserID != "user_a" {
		t.Fatalf("claims user=%s", claims.UserID)
	}
	if _, err := middleware.ParseToken("other-secret", resp.Token); err == nil {
		t.Fatalf("token accepted with the wrong secret")
	}

	w = s.do(http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "bad name", Password: "pw"})
	expectStatus(t, w, http.StatusBadRequest)
	w = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": "user_a"})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestCalls_RequireToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/calls", "", models.CreateCallRequest{})
	expectStatus(t, w, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusForbidden)

	req = httptest.NewRequest(http.MethodOptions, "/api/calls", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusNoContent)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin=%q", got)
	}
}

func TestCalls_PublicStartAndJoin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/calls", "user_h", models.CreateCallRequest{RoomID: "R1"})
	expectStatus(t, w, http.StatusCreated)
	if resp := decode[models.CreateCallResponse](t, w); resp.RoomID != "R1" || resp.State != "joined" {
		t.Fatalf("start=%+v", resp)
	}

	w = s.do(http.MethodGet, "/api/calls/R1", "", nil)
	expectStatus(t, w, http.StatusOK)
	if info := decode[models.RoomInfoResponse](t, w); !info.Active || info.HostID != "user_h" || info.IsPrivate {
		t.Fatalf("room info=%+v", info)
	}
	expectStatus(t, s.do(http.MethodGet, "/api/calls/R9", "", nil), http.StatusNotFound)
	expectStatus(t, s.do(http.MethodGet, "/api/calls/bad%20id", "", nil), http.StatusBadRequest)

	w = s.do(http.MethodPost, "/api/calls/R1/join", "user_a", nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[models.JoinCallResponse](t, w); resp.State != "joined" {
		t.Fatalf("join=%+v", resp)
	}

	// Starting again while in a call conflicts.
	expectStatus(t, s.do(http.MethodPost, "/api/calls", "user_a", models.CreateCallRequest{}), http.StatusConflict)

	w = s.do(http.MethodGet, "/api/calls/R1/participants", "user_a", nil)
	expectStatus(t, w, http.StatusOK)
	body := w.Body.String()
	if !strings.Contains(body, `"id":"user_a"`) {
		t.Fatalf("participants=%s", body)
	}

	// Only the host lists requests.
	expectStatus(t, s.do(http.MethodGet, "/api/calls/R1/requests", "user_a", nil), http.StatusForbidden)
	expectStatus(t, s.do(http.MethodGet, "/api/calls/R2/requests", "user_a", nil), http.StatusNotFound)

	w = s.do(http.MethodPost, "/api/calls/R1/messages", "user_a", models.SendMessageRequest{Text: "hi"})
	expectStatus(t, w, http.StatusCreated)
	if msg := decode[models.ChatMessage](t, w); msg.SenderID != "user_a" || msg.SenderType != models.SenderParticipant {
		t.Fatalf("message=%+v", msg)
	}
	expectStatus(t, s.do(http.MethodPost, "/api/calls/R1/messages", "user_a", map[string]string{}), http.StatusBadRequest)

	muted := true
	expectStatus(t, s.do(http.MethodPut, "/api/calls/R1/media", "user_a", models.MediaStateRequest{MicMuted: &muted}), http.StatusOK)
	doc, err := s.relay.Read(context.Background(), models.ParticipantPath("R1", "user_a"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var p models.Participant
	if err := doc.Unmarshal(&p); err != nil || !p.IsMicMuted {
		t.Fatalf("participant=%+v err=%v", p, err)
	}

	expectStatus(t, s.do(http.MethodDelete, "/api/calls/R1", "user_a", nil), http.StatusOK)
	expectStatus(t, s.do(http.MethodPut, "/api/calls/R1/media", "user_a", models.MediaStateRequest{MicMuted: &muted}), http.StatusNotFound)

	// Host leaving closes the room.
	expectStatus(t, s.do(http.MethodDelete, "/api/calls/R1", "user_h", nil), http.StatusOK)
	w = s.do(http.MethodGet, "/api/calls/R1", "", nil)
	if info := decode[models.RoomInfoResponse](t, w); info.Active {
		t.Fatalf("room still active after host left")
	}
	expectStatus(t, s.do(http.MethodPost, "/api/calls/R1/join", "user_b", nil), http.StatusGone)
}

func TestCalls_PrivateAdmission(t *testing.T) {
	s := newTestServer(t)

	expectStatus(t, s.do(http.MethodPost, "/api/calls", "user_h", models.CreateCallRequest{RoomID: "R2", IsPrivate: true}), http.StatusCreated)

	w := s.do(http.MethodPost, "/api/calls/R2/join", "user_a", nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[models.JoinCallResponse](t, w); resp.State != "waiting" {
		t.Fatalf("join=%+v, want waiting", resp)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		w = s.do(http.MethodGet, "/api/calls/R2/requests", "user_h", nil)
		expectStatus(t, w, http.StatusOK)
		if strings.Contains(w.Body.String(), "user_a") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never listed: %s", w.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	expectStatus(t, s.do(http.MethodPost, "/api/calls/R2/requests/user_a/accept", "user_a", nil), http.StatusForbidden)
	expectStatus(t, s.do(http.MethodPost, "/api/calls/R2/requests/user_a/accept", "user_h", nil), http.StatusOK)
	expectStatus(t, s.do(http.MethodPost, "/api/calls/R2/requests/user_a/reject", "user_h", nil), http.StatusConflict)

	entry, ok := s.sessions.Get("user_a")
	if !ok {
		t.Fatalf("no session for user_a")
	}
	deadline = time.Now().Add(3 * time.Second)
	for entry.session.State() != call.StateJoined {
		if time.Now().After(deadline) {
			t.Fatalf("participant never admitted, state=%s", entry.session.State())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEvents_WebsocketStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	expectStatus(t, s.do(http.MethodPost, "/api/calls", "user_h", models.CreateCallRequest{RoomID: "R1"}), http.StatusCreated)
	expectStatus(t, s.do(http.MethodPost, "/api/calls/R1/join", "user_a", nil), http.StatusOK)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?token=" + s.token("user_a")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	expectStatus(t, s.do(http.MethodPost, "/api/calls/R1/messages", "user_h", models.SendMessageRequest{Text: "welcome"}), http.StatusCreated)

	readUntil := func(kind call.EventKind) call.Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			var ev call.Event
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("waiting for %s: %v", kind, err)
			}
			if ev.Kind == kind {
				return ev
			}
		}
	}
	ev := readUntil(call.EventMessage)
	if ev.Message == nil || ev.Message.Text != "welcome" || ev.Message.SenderType != models.SenderHost {
		t.Fatalf("event=%+v", ev)
	}

	if err := conn.WriteJSON(map[string]any{"type": "media", "videoOff": true}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		doc, err := s.relay.Read(context.Background(), models.ParticipantPath("R1", "user_a"))
		if err == nil {
			var p models.Participant
			if doc.Unmarshal(&p) == nil && p.IsVideoOff {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("media frame not applied")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := conn.WriteJSON(map[string]any{"type": "message", "text": "   "}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if ev := readUntil(call.EventError); ev.Error == "" {
		t.Fatalf("error event without message")
	}

	// Without a session there is nothing to stream.
	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?token=" + s.token("user_z")
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dial without session err=%v", err)
	}
}
