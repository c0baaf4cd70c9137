// Package feedback runs the feedback workflow: storing rated sessions with
// their audio and graph artifacts, aggregating ratings for the analytics
// endpoint, and turning recent low-rating comments into extraction guidance.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/echograph/internal/objectstore"
	"github.com/MrWong99/echograph/internal/observe"
	"github.com/MrWong99/echograph/internal/protocol"
	"github.com/MrWong99/echograph/internal/resilience"
	"github.com/MrWong99/echograph/internal/session"
	"github.com/MrWong99/echograph/internal/warehouse"
	"github.com/MrWong99/echograph/pkg/provider/llm"
)

const (
	// guidanceCacheKey holds the generated improvement context.
	guidanceCacheKey = "feedback:improvement_context"

	// guidanceTTL is how long a generated improvement context is reused
	// before it is rebuilt from fresh feedback.
	guidanceTTL = time.Hour

	// guidanceMaxFeedback bounds how many low-rating comments feed one
	// improvement context.
	guidanceMaxFeedback = 10

	// guidanceMaxRating is the highest rating still considered "low".
	guidanceMaxRating = 2

	guidanceTemperature = 0.3
	guidanceMaxTokens   = 300

	// warehouseAttempts / warehouseDelay retry transient insert failures.
	warehouseAttempts = 3
	warehouseDelay    = time.Second
)

// guidanceCache is the subset of the cache client the manager needs.
// *cache.Client is the production implementation.
type guidanceCache interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, val string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// Objects stores audio, graph, and log artifacts. Required.
	Objects objectstore.Store

	// Warehouse keeps the feedback rows. Required.
	Warehouse warehouse.Warehouse

	// Cache holds the generated improvement context. Optional; without it
	// the context is rebuilt on every extraction that asks for it.
	Cache guidanceCache

	// LLM generates the improvement context. Optional; without it guidance
	// is always empty.
	LLM llm.Provider

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager implements the session feedback workflow.
type Manager struct {
	objects   objectstore.Store
	warehouse warehouse.Warehouse
	cache     guidanceCache
	llm       llm.Provider
	metrics   *observe.Metrics
	log       *slog.Logger
}

// Compile-time interface assertion.
var _ session.Feedback = (*Manager)(nil)

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Objects == nil || cfg.Warehouse == nil {
		return nil, fmt.Errorf("feedback: object store and warehouse required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		objects:   cfg.Objects,
		warehouse: cfg.Warehouse,
		cache:     cfg.Cache,
		llm:       cfg.LLM,
		metrics:   observe.DefaultMetrics(),
		log:       log.With("component", "feedback"),
	}, nil
}

// Submit implements session.Feedback. Artifact uploads are best-effort: a
// failed audio or graph upload is logged and leaves the URI empty, but the
// row still lands in the warehouse. Only a failed warehouse write makes the
// submission report failure.
func (m *Manager) Submit(ctx context.Context, sub session.FeedbackSubmission) protocol.FeedbackResultPayload {
	log := m.log.With("session_id", sub.SessionID, "rating", sub.Rating)

	var audioURI string
	if len(sub.Audio) > 0 {
		uri, err := m.objects.PutAudio(ctx, sub.SessionID, sub.Audio, sub.AudioCodec)
		if err != nil {
			log.Warn("audio upload failed", "error", err)
		} else {
			audioURI = uri
		}
	}

	var graphURI string
	entities, relations := 0, 0
	if sub.Graph != nil {
		entities = len(sub.Graph.Entities)
		relations = len(sub.Graph.Relations)
		if raw, err := json.Marshal(sub.Graph); err != nil {
			log.Warn("graph marshal failed", "error", err)
		} else if uri, err := m.objects.PutGraph(ctx, sub.SessionID, sub.Graph.Version, raw); err != nil {
			log.Warn("graph upload failed", "error", err)
		} else {
			graphURI = uri
		}
	}

	row := warehouse.FeedbackRow{
		SessionID:       sub.SessionID,
		Rating:          sub.Rating,
		Comment:         sub.Comment,
		AudioURI:        audioURI,
		GraphURI:        graphURI,
		EntitiesCount:   entities,
		RelationsCount:  relations,
		DurationSeconds: sub.DurationSeconds,
	}
	err := resilience.Retry(ctx, warehouseAttempts, warehouseDelay, func() error {
		return m.warehouse.InsertFeedback(ctx, row)
	})
	if err != nil {
		log.Error("feedback row insert failed", "error", err)
		return protocol.FeedbackResultPayload{
			Success: false,
			Message: "feedback could not be stored",
		}
	}

	// New feedback invalidates the cached improvement context so the next
	// extraction sees it.
	if m.cache != nil {
		if err := m.cache.Delete(ctx, guidanceCacheKey); err != nil {
			log.Warn("guidance cache invalidation failed", "error", err)
		}
	}

	m.metrics.FeedbackSubmissions.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("rating", strconv.Itoa(sub.Rating))))

	log.Info("feedback stored", "audio_uri", audioURI, "graph_uri", graphURI)
	return protocol.FeedbackResultPayload{
		Success:  true,
		Message:  "feedback stored, thank you",
		AudioURI: audioURI,
		GraphURI: graphURI,
	}
}

// Archive implements session.Feedback. Failures are logged; session teardown
// never depends on the archive.
func (m *Manager) Archive(ctx context.Context, log session.SessionLog) {
	raw, err := json.Marshal(log)
	if err != nil {
		m.log.Error("session log marshal failed", "session_id", log.SessionID, "error", err)
		return
	}
	if _, err := m.objects.PutSessionLog(ctx, log.SessionID, raw); err != nil {
		m.log.Warn("session log upload failed", "session_id", log.SessionID, "error", err)
	}
}

// Analytics aggregates the feedback table for the management API.
func (m *Manager) Analytics(ctx context.Context) (*warehouse.Analytics, error) {
	return m.warehouse.FeedbackAnalytics(ctx)
}

// Guidance implements session.Feedback. It returns the cached improvement
// context, generating one from recent low-rating feedback when the overall
// average has dropped below the improvement threshold. All failures degrade
// to empty guidance.
func (m *Manager) Guidance(ctx context.Context, sessionID string) string {
	if m.cache != nil {
		if cached, err := m.cache.GetString(ctx, guidanceCacheKey); err == nil && cached != "" {
			return cached
		}
	}

	generated, err := m.generateGuidance(ctx)
	if err != nil {
		m.log.Warn("improvement context generation failed", "session_id", sessionID, "error", err)
		return ""
	}
	if generated == "" {
		return ""
	}

	if m.cache != nil {
		if err := m.cache.SetString(ctx, guidanceCacheKey, generated, guidanceTTL); err != nil {
			m.log.Warn("guidance cache write failed", "error", err)
		}
	}
	return generated
}

func (m *Manager) generateGuidance(ctx context.Context) (string, error) {
	if m.llm == nil {
		return "", nil
	}

	analytics, err := m.warehouse.FeedbackAnalytics(ctx)
	if err != nil {
		return "", fmt.Errorf("feedback: load analytics: %w", err)
	}
	if !analytics.NeedsImprovement {
		return "", nil
	}

	rows, err := m.warehouse.LowRatingFeedback(ctx, guidanceMaxRating, guidanceMaxFeedback)
	if err != nil {
		return "", fmt.Errorf("feedback: load low-rating feedback: %w", err)
	}

	var comments []string
	for _, row := range rows {
		if strings.TrimSpace(row.Comment) != "" {
			comments = append(comments, fmt.Sprintf("- (rating %d) %s", row.Rating, row.Comment))
		}
	}
	if len(comments) == 0 {
		return "", nil
	}

	resp, err := m.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: buildGuidancePrompt(comments),
		}},
		Temperature: guidanceTemperature,
		MaxTokens:   guidanceMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("feedback: summarize comments: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func buildGuidancePrompt(comments []string) string {
	return fmt.Sprintf(`Users rated the knowledge graphs extracted from their speech poorly.
Their comments:

%s

Summarize, in at most 200 words, what the extraction keeps getting wrong and
how to do better. Write direct instructions for the extraction step.`,
		strings.Join(comments, "\n"))
}
