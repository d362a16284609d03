package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/pixelbrain/internal/monitor"
	"github.com/mattjoyce/pixelbrain/internal/ollama"
	"github.com/mattjoyce/pixelbrain/internal/session"
	"github.com/mattjoyce/pixelbrain/internal/storage"
	"github.com/mattjoyce/pixelbrain/internal/store"
	"github.com/mattjoyce/pixelbrain/internal/view"
)

type staticConnectivity struct {
	state monitor.ConnectivityState
}

func (c staticConnectivity) State() monitor.ConnectivityState { return c.state }

func (c staticConnectivity) Subscribe() (<-chan monitor.ConnectivityState, func()) {
	return make(chan monitor.ConnectivityState), func() {}
}

type testEnv struct {
	server   *Server
	router   http.Handler
	manager  *session.Manager
	gens     *store.GenerationStore
	upstream *httptest.Server
	release  chan struct{}
}

// newTestEnv wires a real session manager to a fake inference server. When
// hold is true the fake server waits for env.release before finishing.
func newTestEnv(t *testing.T, hold bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	release := make(chan struct{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			if r.Header.Get("Authorization") != "" {
				http.Error(w, "authorization leaked to upstream", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"models":[{"name":"gemma3:12b"}]}`)
		case "/api/generate":
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = io.WriteString(w, "{\"response\":\"Hi\"}\n")
			w.(http.Flusher).Flush()
			if hold {
				select {
				case <-release:
				case <-r.Context().Done():
					return
				}
			}
			_, _ = io.WriteString(w, "{\"response\":\" there\"}\n{\"done\":true,\"eval_count\":2,\"eval_duration\":1000000000}\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pixelbrain.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gens := store.NewGenerationStore(db)

	client := ollama.NewClient(upstream.URL+"/api/generate", upstream.URL+"/api/tags", logger)
	manager := session.NewManager(client, gens, session.Config{Model: "gemma3:12b"}, logger)
	t.Cleanup(manager.Close)

	conn := staticConnectivity{state: monitor.ConnectivityState{Online: true, LastCheckedAt: time.Now().UTC()}}
	srv, err := New(Config{
		Token:                   "test-token",
		StreamHeartbeatInterval: time.Hour,
		Upstream:                upstream.URL,
	}, manager, conn, gens, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	return &testEnv{
		server:   srv,
		router:   srv.setupRoutes(),
		manager:  manager,
		gens:     gens,
		upstream: upstream,
		release:  release,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func waitDone(t *testing.T, m *session.Manager) session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := m.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return s
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, false)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	if resp := decode[HealthzResponse](t, rr); resp.Status != "ok" {
		t.Fatalf("unexpected healthz: %+v", resp)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, false)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			env.router.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestSubmitStreamsAndRecords(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, http.MethodPost, "/v1/chat", []byte(`{"prompt":"hello"}`))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", rr.Code, rr.Body.String())
	}
	submitted := decode[SubmitResponse](t, rr)
	if submitted.SessionID == "" || submitted.Model != "gemma3:12b" {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}

	waitDone(t, env.manager)

	chat := decode[ChatResponse](t, env.do(t, http.MethodGet, "/v1/chat", nil))
	if chat.View.Phase != session.PhaseCompleted || chat.View.Indicator != view.IndicatorNone {
		t.Fatalf("unexpected view: %+v", chat.View)
	}
	if len(chat.View.Messages) != 2 || chat.View.Messages[1].Text != "Hi there" {
		t.Fatalf("unexpected messages: %+v", chat.View.Messages)
	}

	got := env.do(t, http.MethodGet, "/v1/generations/"+submitted.SessionID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("get generation status = %d", got.Code)
	}
	gen := decode[store.Generation](t, got)
	if gen.Reply != "Hi there" || gen.Phase != session.PhaseCompleted {
		t.Fatalf("unexpected generation: %+v", gen)
	}

	list := decode[[]store.Generation](t, env.do(t, http.MethodGet, "/v1/generations?limit=5", nil))
	if len(list) != 1 || list[0].ID != submitted.SessionID {
		t.Fatalf("unexpected generation list: %+v", list)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, true)

	if rr := env.do(t, http.MethodPost, "/v1/chat", []byte(`{`)); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid json status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/chat", []byte(`{"prompt":"   "}`)); rr.Code != http.StatusBadRequest {
		t.Fatalf("blank prompt status = %d", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/v1/chat", []byte(`{"prompt":"first"}`)); rr.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/chat", []byte(`{"prompt":"second"}`)); rr.Code != http.StatusConflict {
		t.Fatalf("concurrent submit status = %d, want 409", rr.Code)
	}

	close(env.release)
	waitDone(t, env.manager)
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	if rr := env.do(t, http.MethodPost, "/v1/chat", []byte(`{"prompt":"count"}`)); rr.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rr.Code)
	}

	sub := env.manager.Subscribe()
	defer sub.Close()
	deadline := time.After(5 * time.Second)
	for ready := false; !ready; {
		select {
		case snap := <-sub.C():
			ready = snap.Phase() == session.PhaseStreaming
		case <-deadline:
			t.Fatalf("generation never started streaming")
		}
	}

	first := decode[CancelResponse](t, env.do(t, http.MethodPost, "/v1/chat/cancel", nil))
	if !first.Cancelled || first.Phase != session.PhaseCancelled {
		t.Fatalf("unexpected cancel response: %+v", first)
	}
	second := decode[CancelResponse](t, env.do(t, http.MethodPost, "/v1/chat/cancel", nil))
	if second.Cancelled {
		t.Fatalf("second cancel should be a no-op")
	}

	s := waitDone(t, env.manager)
	if s.Text != "Hi" {
		t.Fatalf("cancelled text = %q, want Hi", s.Text)
	}

	chat := decode[ChatResponse](t, env.do(t, http.MethodGet, "/v1/chat", nil))
	reply := chat.View.Messages[1]
	if reply.Text != "Hi [stopped]" || !reply.IsStopped {
		t.Fatalf("unexpected stopped reply: %+v", reply)
	}
}

func TestConnectivityEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	st := decode[monitor.ConnectivityState](t, env.do(t, http.MethodGet, "/v1/connectivity", nil))
	if !st.Online {
		t.Fatalf("expected online state")
	}
}

func TestGetGenerationErrors(t *testing.T) {
	env := newTestEnv(t, false)
	if rr := env.do(t, http.MethodGet, "/v1/generations/missing", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing generation status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/v1/generations?limit=abc", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rr.Code)
	}
}

func TestProxyForwardsWithoutAuthorization(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, http.MethodGet, "/api/tags", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("proxy status = %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "gemma3:12b") {
		t.Fatalf("unexpected proxied body: %s", rr.Body.String())
	}
}

func TestProxyUnreachableUpstream(t *testing.T) {
	env := newTestEnv(t, false)
	env.upstream.Close()
	if rr := env.do(t, http.MethodGet, "/api/tags", nil); rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestChatEventsStreamsState(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/chat/events", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	seen := map[string]bool{}
	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !(seen["state"] && seen["connectivity"]) {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			seen[event] = true
			if event == "state" {
				var st view.State
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
					t.Fatalf("decode state event: %v", err)
				}
				if st.Phase != session.PhaseIdle || !st.InputReady {
					t.Fatalf("unexpected initial state: %+v", st)
				}
			}
		}
	}
	if !seen["state"] || !seen["connectivity"] {
		t.Fatalf("expected state and connectivity events, saw %v", seen)
	}
}

func TestEventsAcceptQueryToken(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/chat/events?access_token=test-token", nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/chat?access_token=test-token", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("query token outside the events stream should be rejected, got %d", rr.Code)
	}
}
