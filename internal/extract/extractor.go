package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/resilience"
	"github.com/MrWong99/echograph/pkg/provider/llm"
)

const (
	extractionTemperature = 0.1

	// The compact streaming prompt asks for a terse response; the legacy
	// single-shot prompt allows a fuller one.
	streamingMaxTokens  = 1024
	singleShotMaxTokens = 2048

	defaultFallbackAttempts = 3
	defaultFallbackDelay    = time.Second
)

// PartialFunc receives entities and relations the moment they become
// parseable mid-stream. Returning an error aborts nothing; it is logged and
// the stream continues.
type PartialFunc func(entities []graph.ExtractedEntity, relations []graph.ExtractedRelation) error

// Request is one extraction call over a batch of finalized sentences.
type Request struct {
	// Text is the batched sentence text to extract from.
	Text string

	// Context is the pruned graph snapshot plus feedback guidance.
	Context PromptContext
}

// ExtractorConfig configures an [Extractor].
type ExtractorConfig struct {
	LLM    llm.Provider
	Logger *slog.Logger

	// Breaker, when set, gates every LLM call. An open breaker fails the
	// call immediately.
	Breaker *resilience.CircuitBreaker

	// FallbackAttempts and FallbackDelay tune the single-shot retry loop
	// entered when streaming fails. Defaults: 3 attempts, 1s apart.
	FallbackAttempts int
	FallbackDelay    time.Duration
}

// Extractor drives LLM knowledge extraction. The primary path streams the
// model's response through a [Parser] so entities reach the graph before the
// response is complete; when the stream fails it retries with the verbose
// legacy prompt in single-shot mode before giving up with an empty result.
type Extractor struct {
	llm     llm.Provider
	log     *slog.Logger
	breaker *resilience.CircuitBreaker

	fallbackAttempts int
	fallbackDelay    time.Duration
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("extract: LLM provider must not be nil")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	attempts := cfg.FallbackAttempts
	if attempts <= 0 {
		attempts = defaultFallbackAttempts
	}
	delay := cfg.FallbackDelay
	if delay <= 0 {
		delay = defaultFallbackDelay
	}
	return &Extractor{
		llm:              cfg.LLM,
		log:              log.With("component", "extractor"),
		breaker:          cfg.Breaker,
		fallbackAttempts: attempts,
		fallbackDelay:    delay,
	}, nil
}

// ExtractStreaming runs a streaming extraction. onPartial, when non-nil, is
// invoked for every batch of newly parseable entities/relations. On stream
// failure it falls back to [Extractor.ExtractSingle]; if that also fails the
// returned result is empty alongside the error.
func (x *Extractor) ExtractStreaming(ctx context.Context, req Request, onPartial PartialFunc) (graph.ExtractionResult, error) {
	prompt := BuildCompactPrompt(req.Text, req.Context)
	parser := NewParser()

	streamErr := x.execute(func() error {
		chunks, err := x.llm.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:    []llm.Message{{Role: "user", Content: prompt}},
			Temperature: extractionTemperature,
			MaxTokens:   streamingMaxTokens,
		})
		if err != nil {
			return err
		}

		for chunk := range chunks {
			if chunk.FinishReason == "error" {
				return fmt.Errorf("stream aborted: %s", chunk.Text)
			}
			if chunk.Text == "" {
				continue
			}

			newEntities, newRelations := parser.Feed(chunk.Text)
			if onPartial != nil && (len(newEntities) > 0 || len(newRelations) > 0) {
				if cbErr := onPartial(newEntities, newRelations); cbErr != nil {
					x.log.Warn("partial extraction callback failed", "error", cbErr)
				}
			}
		}
		return nil
	})

	if streamErr == nil {
		result := parser.Result()
		x.log.Debug("streaming extraction completed",
			"text_length", len(req.Text),
			"entities", len(result.Entities),
			"relations", len(result.Relations))
		return result, nil
	}

	x.log.Warn("streaming extraction failed, falling back to single-shot", "error", streamErr)
	return x.ExtractSingle(ctx, req)
}

// ExtractSingle runs a non-streaming extraction with the legacy prompt,
// retrying on failure. When every attempt fails it returns an empty result
// and the final error; callers apply nothing and keep the session alive.
func (x *Extractor) ExtractSingle(ctx context.Context, req Request) (graph.ExtractionResult, error) {
	prompt := BuildLegacyPrompt(req.Text, req.Context)

	var result graph.ExtractionResult
	err := resilience.Retry(ctx, x.fallbackAttempts, x.fallbackDelay, func() error {
		return x.execute(func() error {
			resp, err := x.llm.Complete(ctx, llm.CompletionRequest{
				Messages:    []llm.Message{{Role: "user", Content: prompt}},
				Temperature: extractionTemperature,
				MaxTokens:   singleShotMaxTokens,
			})
			if err != nil {
				return err
			}

			parser := NewParser()
			parser.Feed(resp.Content)
			parsed := parser.Result()
			if parsed.Empty() && !looksLikeExtraction(resp.Content) {
				return fmt.Errorf("no extraction JSON in response")
			}
			result = parsed
			return nil
		})
	})
	if err != nil {
		x.log.Error("single-shot extraction failed", "attempts", x.fallbackAttempts, "error", err)
		return graph.ExtractionResult{}, fmt.Errorf("extract: single-shot: %w", err)
	}

	x.log.Debug("single-shot extraction completed",
		"text_length", len(req.Text),
		"entities", len(result.Entities),
		"relations", len(result.Relations))
	return result, nil
}

// execute runs fn through the circuit breaker when one is configured.
func (x *Extractor) execute(fn func() error) error {
	if x.breaker == nil {
		return fn()
	}
	return x.breaker.Execute(fn)
}

// looksLikeExtraction distinguishes a legitimately empty extraction
// ({"entities":[],"relations":[]}) from a response with no JSON at all.
func looksLikeExtraction(content string) bool {
	body := jsonRegion(content)
	if body == "" {
		return false
	}
	return entitiesOpenRe.MatchString(body) || relationsOpenRe.MatchString(body)
}
