package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/echograph/internal/extract"
	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/protocol"
	"github.com/MrWong99/echograph/internal/session"
	"github.com/MrWong99/echograph/internal/warehouse"
	llmmock "github.com/MrWong99/echograph/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/echograph/pkg/provider/stt/mock"
)

// memStore is an in-memory graph.Store.
type memStore struct {
	mu      sync.Mutex
	graphs  map[string]*graph.State
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{graphs: map[string]*graph.State{}}
}

func (s *memStore) LoadGraph(_ context.Context, sessionID string) (*graph.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphs[sessionID], nil
}

func (s *memStore) SaveGraph(_ context.Context, sessionID string, state *graph.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[sessionID] = state
	return nil
}

func (s *memStore) SaveSnapshot(context.Context, string, *graph.State) error { return nil }

func (s *memStore) DeleteGraph(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, sessionID)
	s.deleted = append(s.deleted, sessionID)
	return nil
}

// fakeCache toggles availability for health probes.
type fakeCache struct {
	mu        sync.Mutex
	reachable bool
}

func (c *fakeCache) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reachable {
		return errors.New("connection refused")
	}
	return nil
}

func (c *fakeCache) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

// fakeObjects records DeleteSession calls.
type fakeObjects struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeObjects) PutAudio(context.Context, string, []byte, string) (string, error) {
	return "", nil
}
func (f *fakeObjects) PutGraph(context.Context, string, int, []byte) (string, error) {
	return "", nil
}
func (f *fakeObjects) PutSessionLog(context.Context, string, []byte) (string, error) {
	return "", nil
}
func (f *fakeObjects) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return nil
}

// fakeAnalytics serves a fixture or an error.
type fakeAnalytics struct {
	result *warehouse.Analytics
	err    error
}

func (f *fakeAnalytics) Analytics(context.Context) (*warehouse.Analytics, error) {
	return f.result, f.err
}

type serverEnv struct {
	server  *Server
	store   *memStore
	cache   *fakeCache
	objects *fakeObjects
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	store := newMemStore()
	graphs, err := graph.NewManager(graph.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("graph manager: %v", err)
	}
	extractor, err := extract.NewExtractor(extract.ExtractorConfig{LLM: &llmmock.Provider{}})
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	router, err := session.NewRouter(session.RouterConfig{
		STT:       &sttmock.Provider{},
		Extractor: extractor,
		Graph:     graphs,
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	env := &serverEnv{
		store:   store,
		cache:   &fakeCache{reachable: true},
		objects: &fakeObjects{},
	}
	env.server, err = New(Config{
		Router:   router,
		Graphs:   graphs,
		Cache:    env.cache,
		Objects:  env.objects,
		Feedback: &fakeAnalytics{result: &warehouse.Analytics{TotalCount: 7, AverageRating: 4.2}},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return env
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Banner(t *testing.T) {
	env := newServerEnv(t)
	rec := doRequest(t, env.server.Handler(), "GET", "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "echograph") {
		t.Errorf("banner = %q", rec.Body.String())
	}
}

func TestServer_Health(t *testing.T) {
	env := newServerEnv(t)
	h := env.server.Handler()

	rec := doRequest(t, h, "GET", "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("body = %q", rec.Body.String())
	}

	env.cache.mu.Lock()
	env.cache.reachable = false
	env.cache.mu.Unlock()

	rec = doRequest(t, h, "GET", "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestServer_Readyz(t *testing.T) {
	env := newServerEnv(t)
	h := env.server.Handler()

	if rec := doRequest(t, h, "GET", "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	env.cache.mu.Lock()
	env.cache.reachable = false
	env.cache.mu.Unlock()

	rec := doRequest(t, h, "GET", "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with dead cache = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cache") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestServer_GetGraph(t *testing.T) {
	env := newServerEnv(t)
	h := env.server.Handler()

	rec := doRequest(t, h, "GET", "/api/graph/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", rec.Code)
	}

	env.store.graphs["sess1"] = &graph.State{
		Version:  2,
		Entities: []graph.Entity{{ID: "ent_1", Label: "김철수", Type: graph.EntityPerson}},
	}

	rec = doRequest(t, h, "GET", "/api/graph/sess1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var state graph.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decoding graph: %v", err)
	}
	if state.Version != 2 || len(state.Entities) != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestServer_DeleteGraph(t *testing.T) {
	env := newServerEnv(t)
	env.store.graphs["sess1"] = &graph.State{Version: 1}

	rec := doRequest(t, env.server.Handler(), "DELETE", "/api/graph/sess1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if len(env.store.deleted) != 1 || env.store.deleted[0] != "sess1" {
		t.Errorf("store deletions = %v", env.store.deleted)
	}
	if len(env.objects.deleted) != 1 || env.objects.deleted[0] != "sess1" {
		t.Errorf("object deletions = %v", env.objects.deleted)
	}
}

func TestServer_Analytics(t *testing.T) {
	env := newServerEnv(t)

	rec := doRequest(t, env.server.Handler(), "GET", "/api/feedback/analytics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var analytics warehouse.Analytics
	if err := json.Unmarshal(rec.Body.Bytes(), &analytics); err != nil {
		t.Fatalf("decoding analytics: %v", err)
	}
	if analytics.TotalCount != 7 || analytics.AverageRating != 4.2 {
		t.Errorf("analytics = %+v", analytics)
	}
}

func TestServer_WebSocketSession(t *testing.T) {
	env := newServerEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	start, err := protocol.New(protocol.TypeStartSession, protocol.StartSessionPayload{SessionID: "sess1"})
	if err != nil {
		t.Fatalf("building start frame: %v", err)
	}
	raw, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if msg.Type != protocol.TypeGraphFull {
		t.Fatalf("first frame = %s, want GRAPH_FULL", msg.Type)
	}
	var full protocol.GraphFull
	if err := msg.Decode(&full); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if full.SessionID != "sess1" {
		t.Errorf("sessionId = %q", full.SessionID)
	}
}

func TestServer_WebSocketSurvivesMalformedFrame(t *testing.T) {
	env := newServerEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	start, err := protocol.New(protocol.TypeStartSession, protocol.StartSessionPayload{SessionID: "sess1"})
	if err != nil {
		t.Fatalf("building start frame: %v", err)
	}
	raw, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("reading graph full: %v", err)
	}

	// Garbage must be logged and skipped, not answered with a close frame.
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	ping, err := protocol.New(protocol.TypePing, struct{}{})
	if err != nil {
		t.Fatalf("building ping frame: %v", err)
	}
	raw, _ = json.Marshal(ping)
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("writing ping: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("connection died after malformed frame: %v", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if msg.Type == protocol.TypePong {
			return
		}
	}
}
