package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/echograph/internal/cache"
	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/session"
	"github.com/MrWong99/echograph/internal/warehouse"
	"github.com/MrWong99/echograph/pkg/provider/llm"
	llmmock "github.com/MrWong99/echograph/pkg/provider/llm/mock"
)

// fakeObjects records uploads and can fail selectively.
type fakeObjects struct {
	mu       sync.Mutex
	audio    map[string][]byte
	graphs   map[string][]byte
	logs     map[string][]byte
	audioErr error
	graphErr error
	logErr   error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		audio:  map[string][]byte{},
		graphs: map[string][]byte{},
		logs:   map[string][]byte{},
	}
}

func (f *fakeObjects) PutAudio(_ context.Context, sessionID string, data []byte, codec string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return "", f.audioErr
	}
	f.audio[sessionID] = data
	return "fake://audio/" + sessionID + "." + codec, nil
}

func (f *fakeObjects) PutGraph(_ context.Context, sessionID string, version int, graphJSON []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.graphErr != nil {
		return "", f.graphErr
	}
	f.graphs[sessionID] = graphJSON
	return "fake://graphs/" + sessionID + ".json", nil
}

func (f *fakeObjects) PutSessionLog(_ context.Context, sessionID string, logJSON []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return "", f.logErr
	}
	f.logs[sessionID] = logJSON
	return "fake://logs/" + sessionID + ".json", nil
}

func (f *fakeObjects) DeleteSession(context.Context, string) error { return nil }

// fakeWarehouse is an in-memory warehouse.Warehouse.
type fakeWarehouse struct {
	mu        sync.Mutex
	rows      []warehouse.FeedbackRow
	insertErr error
}

func (w *fakeWarehouse) InsertFeedback(_ context.Context, row warehouse.FeedbackRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.insertErr != nil {
		return w.insertErr
	}
	row.CreatedAt = time.Now()
	w.rows = append(w.rows, row)
	return nil
}

func (w *fakeWarehouse) RecentFeedback(_ context.Context, limit int) ([]warehouse.FeedbackRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]warehouse.FeedbackRow(nil), w.rows...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (w *fakeWarehouse) LowRatingFeedback(_ context.Context, maxRating, limit int) ([]warehouse.FeedbackRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []warehouse.FeedbackRow
	for _, row := range w.rows {
		if row.Rating <= maxRating {
			out = append(out, row)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (w *fakeWarehouse) FeedbackAnalytics(context.Context) (*warehouse.Analytics, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	distribution := map[int]int{}
	sum := 0
	for _, row := range w.rows {
		distribution[row.Rating]++
		sum += row.Rating
	}
	a := &warehouse.Analytics{TotalCount: len(w.rows), RatingDistribution: distribution}
	if a.TotalCount > 0 {
		a.AverageRating = float64(sum) / float64(a.TotalCount)
		a.NeedsImprovement = a.AverageRating < 3.0
	}
	return a, nil
}

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.NewFromClient(rdb, time.Hour, nil)
}

type testEnv struct {
	manager   *Manager
	objects   *fakeObjects
	warehouse *fakeWarehouse
	cache     *cache.Client
	llm       *llmmock.Provider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		objects:   newFakeObjects(),
		warehouse: &fakeWarehouse{},
		cache:     newTestCache(t),
		llm:       &llmmock.Provider{},
	}
	m, err := NewManager(ManagerConfig{
		Objects:   env.objects,
		Warehouse: env.warehouse,
		Cache:     env.cache,
		LLM:       env.llm,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.manager = m
	return env
}

func sampleGraph() *graph.State {
	return &graph.State{
		Version: 3,
		Entities: []graph.Entity{
			{ID: "ent_1", Label: "김철수", Type: graph.EntityPerson},
			{ID: "ent_2", Label: "삼성전자", Type: graph.EntityOrganization},
		},
		Relations: []graph.Relation{
			{ID: "rel_1", Source: "ent_1", Target: "ent_2", Relation: "근무"},
		},
	}
}

func TestManager_SubmitStoresEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A cached improvement context must be invalidated by new feedback.
	if err := env.cache.SetString(ctx, guidanceCacheKey, "stale", time.Hour); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	result := env.manager.Submit(ctx, session.FeedbackSubmission{
		SessionID:       "sess1",
		Rating:          4,
		Comment:         "mostly right",
		Audio:           []byte("audio-bytes"),
		AudioCodec:      "wav",
		Graph:           sampleGraph(),
		DurationSeconds: 42,
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.AudioURI == "" || result.GraphURI == "" {
		t.Errorf("expected artifact URIs, got %+v", result)
	}

	if len(env.warehouse.rows) != 1 {
		t.Fatalf("expected 1 warehouse row, got %d", len(env.warehouse.rows))
	}
	row := env.warehouse.rows[0]
	if row.Rating != 4 || row.EntitiesCount != 2 || row.RelationsCount != 1 || row.DurationSeconds != 42 {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.AudioURI != result.AudioURI || row.GraphURI != result.GraphURI {
		t.Errorf("row URIs do not match result: %+v", row)
	}

	if cached, _ := env.cache.GetString(ctx, guidanceCacheKey); cached != "" {
		t.Error("new feedback must invalidate the cached improvement context")
	}
}

func TestManager_SubmitSurvivesUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.objects.audioErr = errors.New("bucket down")

	result := env.manager.Submit(context.Background(), session.FeedbackSubmission{
		SessionID: "sess1",
		Rating:    3,
		Audio:     []byte("audio"),
		Graph:     sampleGraph(),
	})

	if !result.Success {
		t.Fatal("a failed audio upload must not fail the submission")
	}
	if result.AudioURI != "" {
		t.Errorf("audio URI should be empty after upload failure, got %q", result.AudioURI)
	}
	if result.GraphURI == "" {
		t.Error("graph upload should still happen")
	}
}

func TestManager_SubmitFailsWhenWarehouseDown(t *testing.T) {
	env := newTestEnv(t)
	env.warehouse.insertErr = errors.New("db down")

	result := env.manager.Submit(context.Background(), session.FeedbackSubmission{
		SessionID: "sess1",
		Rating:    5,
	})
	if result.Success {
		t.Fatal("a failed warehouse write must fail the submission")
	}
}

func TestManager_ArchiveUploadsSessionLog(t *testing.T) {
	env := newTestEnv(t)

	env.manager.Archive(context.Background(), session.SessionLog{
		SessionID:       "sess1",
		Transcript:      []string{"첫 문장입니다.", "둘째 문장입니다."},
		EntitiesCount:   2,
		RelationsCount:  1,
		DurationSeconds: 30,
	})

	raw, ok := env.objects.logs["sess1"]
	if !ok {
		t.Fatal("session log was not uploaded")
	}
	var decoded session.SessionLog
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decoding archived log: %v", err)
	}
	if len(decoded.Transcript) != 2 || decoded.EntitiesCount != 2 {
		t.Errorf("unexpected archived log: %+v", decoded)
	}
}

func TestManager_GuidanceUsesCachedValue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.cache.SetString(ctx, guidanceCacheKey, "focus on people", time.Hour); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}

	if got := env.manager.Guidance(ctx, "sess1"); got != "focus on people" {
		t.Errorf("guidance = %q, want cached value", got)
	}
	if env.llm.Completes() != 0 {
		t.Error("cached guidance must not call the LLM")
	}
}

func TestManager_GuidanceGeneratesFromLowRatings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.llm.CompleteResult = &llm.CompletionResponse{
		Content: "Pay attention to organization names.",
	}

	for _, sub := range []session.FeedbackSubmission{
		{SessionID: "a", Rating: 1, Comment: "missed the company"},
		{SessionID: "b", Rating: 2, Comment: "wrong relations"},
	} {
		if result := env.manager.Submit(ctx, sub); !result.Success {
			t.Fatalf("submit failed: %+v", result)
		}
	}

	got := env.manager.Guidance(ctx, "sess1")
	if got != "Pay attention to organization names." {
		t.Fatalf("guidance = %q", got)
	}
	if env.llm.Completes() != 1 {
		t.Fatalf("expected 1 LLM call, got %d", env.llm.Completes())
	}
	prompt := env.llm.CompleteCalls[0].Messages[0].Content
	if !strings.Contains(prompt, "missed the company") || !strings.Contains(prompt, "wrong relations") {
		t.Errorf("prompt missing feedback comments:\n%s", prompt)
	}

	// The generated context must now be cached.
	if cached, _ := env.cache.GetString(ctx, guidanceCacheKey); cached == "" {
		t.Error("generated guidance was not cached")
	}
	if env.manager.Guidance(ctx, "sess1"); env.llm.Completes() != 1 {
		t.Error("second call must hit the cache, not the LLM")
	}
}

func TestManager_GuidanceEmptyWhenRatingsHealthy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, rating := range []int{5, 4, 5} {
		if result := env.manager.Submit(ctx, session.FeedbackSubmission{SessionID: "s", Rating: rating}); !result.Success {
			t.Fatalf("submit failed")
		}
	}

	if got := env.manager.Guidance(ctx, "sess1"); got != "" {
		t.Errorf("healthy ratings must yield empty guidance, got %q", got)
	}
	if env.llm.Completes() != 0 {
		t.Error("healthy ratings must not call the LLM")
	}
}

func TestManager_AnalyticsPassthrough(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.manager.Submit(ctx, session.FeedbackSubmission{SessionID: "a", Rating: 5})
	env.manager.Submit(ctx, session.FeedbackSubmission{SessionID: "b", Rating: 1})

	analytics, err := env.manager.Analytics(ctx)
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if analytics.TotalCount != 2 || analytics.AverageRating != 3.0 {
		t.Errorf("unexpected analytics: %+v", analytics)
	}
}
