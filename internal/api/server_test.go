package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/citeline/internal/chat"
	"github.com/zulandar/citeline/internal/db"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/ratelimit"
	"github.com/zulandar/citeline/internal/retrieval"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRetriever struct{ err error }

func (s stubRetriever) Retrieve(context.Context, string, string, retrieval.Options) (*retrieval.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &retrieval.Result{Chunks: []retrieval.Chunk{
		{DocumentID: "d1", DocumentName: "Handbook", Text: "Twenty days.", Score: 0.9, Sequence: 1},
	}}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, generation.Request) (*generation.Result, error) {
	return &generation.Result{
		Text:        "Twenty days.",
		SourcesUsed: []generation.SourceUse{{SourceNum: 1, Reason: "direct answer"}},
		Path:        generation.PathStructured,
	}, nil
}

type testServer struct {
	router *gin.Engine
	svc    *chat.Service
}

func newTestServer(t *testing.T, userLimit int, retrieveErr error) *testServer {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	counter, _ := ratelimit.NewGormCounter(gormDB)
	limiter, _ := ratelimit.NewLimiter(ratelimit.LimiterOpts{Counter: counter, UserLimit: userLimit})
	svc, err := chat.NewService(chat.ServiceOpts{
		DB:        gormDB,
		Limiter:   limiter,
		Retriever: stubRetriever{err: retrieveErr},
		Generator: stubGenerator{},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	router := NewRouter(RouterOpts{
		Chat:     svc,
		Gatherer: reg,
		Ping:     func(context.Context) error { return nil },
	})
	return &testServer{router: router, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderOrganizationID, "acme")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestStart_NilChat(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil chat service")
	}
	if !strings.Contains(err.Error(), "chat service is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "chat service is required")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, 10, nil)
	w := s.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("missing X-Request-ID response header")
	}
}

func TestHealthz_Unavailable(t *testing.T) {
	router := NewRouter(RouterOpts{Ping: func(context.Context) error { return errors.New("db down") }})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 10, nil)
	w := s.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "citeline_rate_limit_rejections_total") &&
		!strings.Contains(w.Body.String(), "citeline_retrieval_duration_seconds") {
		t.Errorf("metrics body missing citeline collectors:\n%s", w.Body.String())
	}
}

func TestRequestID_Propagated(t *testing.T) {
	s := newTestServer(t, 10, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-abc")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if got := w.Header().Get(HeaderRequestID); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want req-abc", got)
	}
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t, 10, nil)
	w := s.do(t, http.MethodGet, "/api/v1/sessions/active", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/active", nil)
	req.Header.Set(HeaderUserID, "alice")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without organization: status = %d, want 401", w.Code)
	}
}

func TestSessionFlow(t *testing.T) {
	s := newTestServer(t, 10, nil)

	w := s.do(t, http.MethodGet, "/api/v1/sessions/active", "", "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("active: status = %d, body = %s", w.Code, w.Body.String())
	}
	var active models.Session
	decode(t, w, &active)
	if active.ID == "" || !active.IsActive {
		t.Fatalf("active session = %+v", active)
	}

	w = s.do(t, http.MethodGet, "/api/v1/sessions/active", "", "alice")
	var again models.Session
	decode(t, w, &again)
	if again.ID != active.ID {
		t.Errorf("second active call = %s, want %s", again.ID, active.ID)
	}

	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+active.ID+"/messages", `{"question":"How many PTO days?"}`, "alice")
	if w.Code != http.StatusCreated {
		t.Fatalf("send: status = %d, body = %s", w.Code, w.Body.String())
	}
	var sent struct {
		Message models.Message `json:"message"`
	}
	decode(t, w, &sent)
	if sent.Message.Status != models.StatusCompleted || sent.Message.Content != "Twenty days." {
		t.Errorf("sent message = %+v", sent.Message)
	}
	if strings.Contains(w.Body.String(), "diagnostic") {
		t.Error("diagnostic field leaked into response")
	}

	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+active.ID+"/messages", "", "alice")
	var listed struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, w, &listed)
	if len(listed.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(listed.Messages))
	}
	if len(listed.Messages[1].Sources) != 1 || !listed.Messages[1].Sources[0].IsUsed {
		t.Errorf("assistant sources = %+v", listed.Messages[1].Sources)
	}

	w = s.do(t, http.MethodPost, "/api/v1/sessions", `{"title":"Second","response_mode":"strict"}`, "alice")
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	var second models.Session
	decode(t, w, &second)
	if second.ResponseMode != models.ModeStrict {
		t.Errorf("ResponseMode = %q, want strict", second.ResponseMode)
	}

	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+active.ID+"/archive", "", "alice")
	if w.Code != http.StatusNoContent {
		t.Errorf("archive: status = %d, want 204", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+active.ID+"/messages", `{"question":"more"}`, "alice")
	if w.Code != http.StatusConflict {
		t.Errorf("send to archived: status = %d, want 409", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/sessions", "", "alice")
	var list struct {
		Sessions []models.Session `json:"sessions"`
	}
	decode(t, w, &list)
	if len(list.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1 (archived hidden)", len(list.Sessions))
	}
	w = s.do(t, http.MethodGet, "/api/v1/sessions?include_archived=true", "", "alice")
	decode(t, w, &list)
	if len(list.Sessions) != 2 {
		t.Errorf("sessions with archived = %d, want 2", len(list.Sessions))
	}

	w = s.do(t, http.MethodDelete, "/api/v1/sessions/"+active.ID, "", "bob")
	if w.Code != http.StatusNotFound {
		t.Errorf("delete by bob: status = %d, want 404", w.Code)
	}
	w = s.do(t, http.MethodDelete, "/api/v1/sessions/"+active.ID, "", "alice")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/v1/sessions/"+active.ID, "", "alice")
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", w.Code)
	}
}

func TestSendMessage_BadRequests(t *testing.T) {
	s := newTestServer(t, 10, nil)
	w := s.do(t, http.MethodGet, "/api/v1/sessions/active", "", "alice")
	var sess models.Session
	decode(t, w, &sess)

	tests := []struct {
		name string
		body string
	}{
		{"missing question", `{}`},
		{"malformed json", `{"question":`},
		{"invalid mode", `{"question":"q","mode":"sloppy"}`},
	}
	for _, tt := range tests {
		w := s.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/messages", tt.body, "alice")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, w.Code)
		}
	}

	w = s.do(t, http.MethodPost, "/api/v1/sessions/nope/messages", `{"question":"q"}`, "alice")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", w.Code)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	s := newTestServer(t, 1, nil)
	w := s.do(t, http.MethodGet, "/api/v1/sessions/active", "", "alice")
	var sess models.Session
	decode(t, w, &sess)

	path := "/api/v1/sessions/" + sess.ID + "/messages"
	if w := s.do(t, http.MethodPost, path, `{"question":"one"}`, "alice"); w.Code != http.StatusCreated {
		t.Fatalf("first send: status = %d", w.Code)
	}
	w = s.do(t, http.MethodPost, path, `{"question":"two"}`, "alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second send: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body struct {
		Scope   string         `json:"scope"`
		Limit   int            `json:"limit"`
		Message models.Message `json:"message"`
	}
	decode(t, w, &body)
	if body.Scope != models.ScopeUser || body.Limit != 1 {
		t.Errorf("scope/limit = %s/%d, want user/1", body.Scope, body.Limit)
	}
	if body.Message.Status != models.StatusFailed {
		t.Errorf("message status = %q, want failed", body.Message.Status)
	}
}

func TestSendMessage_ProcessingFailure(t *testing.T) {
	s := newTestServer(t, 10, errors.New("search down"))
	w := s.do(t, http.MethodGet, "/api/v1/sessions/active", "", "alice")
	var sess models.Session
	decode(t, w, &sess)

	w = s.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/messages", `{"question":"q"}`, "alice")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "search down") {
		t.Error("internal error detail leaked into response")
	}
	var body struct {
		Error   string         `json:"error"`
		Message models.Message `json:"message"`
	}
	decode(t, w, &body)
	if body.Error != "message processing failed" {
		t.Errorf("error = %q", body.Error)
	}
	if body.Message.Status != models.StatusFailed {
		t.Errorf("message status = %q, want failed", body.Message.Status)
	}
}
