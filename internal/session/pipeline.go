package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echograph/internal/extract"
	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/nlp"
	"github.com/MrWong99/echograph/internal/observe"
	"github.com/MrWong99/echograph/internal/protocol"
	"github.com/MrWong99/echograph/pkg/provider/stt"
)

const (
	audioQueueSize    = 100
	textQueueSize     = 100
	sentenceQueueSize = 100

	audioEnqueueWait = 500 * time.Millisecond
	textEnqueueWait  = time.Second

	workerPollWait = 500 * time.Millisecond

	sttCallTimeout      = 30 * time.Second
	sttMaxConsecutive   = 10
	sttCooldown         = 5 * time.Second
	extractionPollWait  = time.Second
	extractionBatchSize = 3
	extractionMaxDelay  = 5 * time.Second
)

// supportedCodecs are the audio codecs the pipeline accepts from clients.
var supportedCodecs = map[string]struct{}{
	"wav": {}, "webm": {}, "opus": {}, "mp3": {}, "pcm": {},
}

type audioItem struct {
	data   []byte
	format protocol.AudioFormat
	seq    int
}

type textItem struct {
	text string
	lang string
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	State     *State
	Sender    *Sender
	STT       stt.Provider
	Extractor *extract.Extractor
	Graph     *graph.Manager
	Logger    *slog.Logger

	// Guidance, when set, supplies the feedback-derived prompt guidance for
	// each extraction. Failures return "".
	Guidance func(ctx context.Context) string

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Pipeline runs the three processing workers of a session: STT (audio →
// transcripts), NLP (transcripts → sentences), and extraction (sentences →
// graph deltas). Queues between them are bounded; overload drops input
// rather than stalling the connection.
type Pipeline struct {
	state     *State
	sender    *Sender
	stt       stt.Provider
	extractor *extract.Extractor
	graphs    *graph.Manager
	guidance  func(ctx context.Context) string
	metrics   *observe.Metrics
	log       *slog.Logger

	audioQueue    *Queue[audioItem]
	textQueue     *Queue[textItem]
	sentenceQueue *Queue[nlp.Sentence]

	// Tunables, overridable in tests.
	sttTimeout         time.Duration
	sttCooldown        time.Duration
	extractionMaxDelay time.Duration
}

// NewPipeline creates a Pipeline for one session.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.State == nil || cfg.Sender == nil || cfg.STT == nil || cfg.Extractor == nil || cfg.Graph == nil {
		return nil, fmt.Errorf("session: pipeline requires state, sender, stt, extractor, and graph manager")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Pipeline{
		state:     cfg.State,
		sender:    cfg.Sender,
		stt:       cfg.STT,
		extractor: cfg.Extractor,
		graphs:    cfg.Graph,
		guidance:  cfg.Guidance,
		metrics:   metrics,
		log:       log.With("component", "pipeline", "session_id", cfg.State.ID),

		audioQueue:    NewQueue[audioItem](audioQueueSize),
		textQueue:     NewQueue[textItem](textQueueSize),
		sentenceQueue: NewQueue[nlp.Sentence](sentenceQueueSize),

		sttTimeout:         sttCallTimeout,
		sttCooldown:        sttCooldown,
		extractionMaxDelay: extractionMaxDelay,
	}, nil
}

// Run starts the workers and blocks until all have exited, which happens
// when ctx ends or the session is deactivated.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { p.sttWorker(ctx); return nil })
	g.Go(func() error { p.nlpWorker(ctx); return nil })
	g.Go(func() error { p.extractionWorker(ctx); return nil })
	p.log.Info("pipeline started", "workers", 3)
	err := g.Wait()
	p.log.Info("pipeline stopped")
	return err
}

// EnqueueAudio validates, decodes, and queues an inbound audio chunk. The
// raw audio is also retained in the session buffer for feedback uploads.
// Unsupported formats and full queues produce an ERROR frame / a log line
// respectively; neither ends the session.
func (p *Pipeline) EnqueueAudio(ctx context.Context, payload protocol.AudioChunkPayload) {
	codec := strings.ToLower(payload.Format.Codec)
	if _, ok := supportedCodecs[codec]; !ok {
		p.metrics.RecordAudioChunk(ctx, "rejected")
		p.sender.Send(ctx, protocol.TypeError, protocol.ErrorPayload{
			Code:        protocol.ErrAudioFormatUnsupported,
			Message:     fmt.Sprintf("unsupported audio codec %q", payload.Format.Codec),
			Recoverable: true,
		})
		return
	}

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		p.metrics.RecordAudioChunk(ctx, "rejected")
		p.log.Warn("audio chunk not valid base64, dropped", "seq", payload.SequenceNumber)
		return
	}

	p.state.AppendAudio(data, payload.Duration, codec)

	item := audioItem{data: data, format: payload.Format, seq: payload.SequenceNumber}
	if !p.audioQueue.Put(ctx, item, audioEnqueueWait) {
		p.metrics.RecordAudioChunk(ctx, "dropped")
		p.log.Warn("audio queue full, chunk dropped", "seq", payload.SequenceNumber)
		return
	}
	p.metrics.RecordAudioChunk(ctx, "ok")
}

// ─── STT worker ──────────────────────────────────────────────────────────────

func (p *Pipeline) sttWorker(ctx context.Context) {
	p.log.Debug("stt worker started")
	consecutiveErrors := 0

	for p.state.Active() && ctx.Err() == nil {
		item, ok := p.audioQueue.Take(ctx, workerPollWait)
		if !ok {
			continue
		}

		p.sendStatus(ctx, protocol.StageSTTProcessing)

		segmentID := fmt.Sprintf("%s_%d", p.state.ID, p.state.NextSegmentSeq())
		callCtx, cancel := context.WithTimeout(ctx, p.sttTimeout)
		callStart := time.Now()
		result, err := p.stt.Transcribe(callCtx, stt.Request{
			Audio:      item.data,
			Codec:      strings.ToLower(item.format.Codec),
			SampleRate: item.format.SampleRate,
			Channels:   item.format.Channels,
			SegmentID:  segmentID,
			Languages:  p.state.Languages(),
		})
		cancel()
		p.metrics.STTDuration.Record(ctx, time.Since(callStart).Seconds())

		if err != nil {
			p.metrics.RecordProviderRequest(ctx, "recognizer", "stt", "error")
			consecutiveErrors++
			p.log.Warn("transcription failed", "segment_id", segmentID,
				"consecutive", consecutiveErrors, "error", err)
			if consecutiveErrors >= sttMaxConsecutive {
				p.log.Error("recognizer failing persistently, backing off",
					"cooldown", p.sttCooldown)
				sleepCtx(ctx, p.sttCooldown)
				consecutiveErrors = 0
			}
			p.sendStatus(ctx, protocol.StageIdle)
			continue
		}
		consecutiveErrors = 0
		p.metrics.RecordProviderRequest(ctx, "recognizer", "stt", "ok")

		if result != nil && strings.TrimSpace(result.Text) != "" {
			p.sender.Send(ctx, protocol.TypeSTTPartial, protocol.STTPartialPayload{
				Text:         result.Text,
				Confidence:   result.Confidence,
				SegmentID:    segmentID,
				LanguageCode: result.LanguageCode,
			})
			if !p.textQueue.Put(ctx, textItem{text: result.Text, lang: result.LanguageCode}, textEnqueueWait) {
				p.log.Warn("text queue full, transcript dropped", "segment_id", segmentID)
			}
		}

		p.sendStatus(ctx, protocol.StageIdle)
	}
	p.log.Debug("stt worker stopped")
}

// ─── NLP worker ──────────────────────────────────────────────────────────────

func (p *Pipeline) nlpWorker(ctx context.Context) {
	p.log.Debug("nlp worker started")
	buffer := nlp.NewBuffer()

	for p.state.Active() && ctx.Err() == nil {
		item, ok := p.textQueue.Take(ctx, workerPollWait)
		if !ok {
			if sentence, due := buffer.TryForceFlush(); due {
				p.emitSentence(ctx, sentence)
			}
			continue
		}

		p.sendStatus(ctx, protocol.StageNLPAnalyzing)
		for _, sentence := range buffer.Append(item.text, item.lang) {
			p.emitSentence(ctx, sentence)
		}
		p.sendStatus(ctx, protocol.StageIdle)
	}

	// Whatever is left becomes a final sentence so trailing speech is not
	// silently lost on disconnect.
	if sentence, ok := buffer.Flush(); ok {
		p.emitSentence(ctx, sentence)
	}
	p.log.Debug("nlp worker stopped")
}

func (p *Pipeline) emitSentence(ctx context.Context, sentence nlp.Sentence) {
	trigger := "terminator"
	if sentence.Confidence < 0.9 {
		trigger = "force_flush"
	}
	p.metrics.Sentences.Add(ctx, 1, metric.WithAttributes(observe.Attr("trigger", trigger)))
	p.state.RecordSentence(sentence.Text)
	p.sender.Send(ctx, protocol.TypeSTTFinal, protocol.STTFinalPayload{
		Text:       sentence.Text,
		Confidence: sentence.Confidence,
		SegmentID:  fmt.Sprintf("%s_sent_%d", p.state.ID, p.state.NextSentenceSeq()),
		IsComplete: true,
	})
	p.sentenceQueue.PutBlocking(ctx, sentence)
}

// ─── Extraction worker ───────────────────────────────────────────────────────

func (p *Pipeline) extractionWorker(ctx context.Context) {
	p.log.Debug("extraction worker started")

	var batch []string
	lastExtraction := time.Now()

	for p.state.Active() && ctx.Err() == nil {
		if sentence, ok := p.sentenceQueue.Take(ctx, extractionPollWait); ok {
			batch = append(batch, sentence.Text)
		}

		trigger := len(batch) >= extractionBatchSize ||
			(len(batch) >= 1 && time.Since(lastExtraction) >= p.extractionMaxDelay)
		if !trigger {
			continue
		}

		text := strings.Join(batch, " ")
		batch = batch[:0]
		lastExtraction = time.Now()

		p.extract(ctx, text)
	}
	p.log.Debug("extraction worker stopped")
}

// extract runs one extraction over text and applies the results: entities as
// they stream in, relations in one pass at the end with the accumulated
// temp-id map.
func (p *Pipeline) extract(ctx context.Context, text string) {
	p.sendStatus(ctx, protocol.StageExtracting)
	defer p.sendStatus(ctx, protocol.StageIdle)

	snapshot, err := p.graphs.GetState(ctx, p.state.ID)
	if err != nil {
		p.log.Error("graph snapshot failed", "error", err)
		return
	}

	promptCtx := extract.PromptContext{
		Entities:  snapshot.Entities,
		Relations: snapshot.Relations,
	}
	if p.guidance != nil {
		promptCtx.Feedback = p.guidance(ctx)
	}

	idMap := map[string]string{}
	appliedEntities := map[string]struct{}{}

	onPartial := func(entities []graph.ExtractedEntity, _ []graph.ExtractedRelation) error {
		if len(entities) == 0 {
			return nil
		}
		if err := p.applyExtraction(ctx, graph.ExtractionResult{Entities: entities}, idMap); err != nil {
			return err
		}
		for _, e := range entities {
			appliedEntities[e.ID] = struct{}{}
		}
		return nil
	}

	extractStart := time.Now()
	result, err := p.extractor.ExtractStreaming(ctx, extract.Request{Text: text, Context: promptCtx}, onPartial)
	p.metrics.ExtractionDuration.Record(ctx, time.Since(extractStart).Seconds())
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, "extractor", "llm", "error")
		p.log.Error("extraction failed", "error", err)
		p.sender.Send(ctx, protocol.TypeError, protocol.ErrorPayload{
			Code:        protocol.ErrExtractionFailed,
			Message:     "knowledge extraction failed for the current batch",
			Recoverable: true,
		})
		return
	}
	p.metrics.RecordProviderRequest(ctx, "extractor", "llm", "ok")

	// Entities that never went through a partial application (the single-shot
	// fallback path) are applied before relations so the id map is complete.
	var pending []graph.ExtractedEntity
	for _, e := range result.Entities {
		if _, ok := appliedEntities[e.ID]; !ok {
			pending = append(pending, e)
		}
	}
	if len(pending) > 0 {
		if err := p.applyExtraction(ctx, graph.ExtractionResult{Entities: pending}, idMap); err != nil {
			return
		}
	}

	if len(result.Relations) > 0 {
		if err := p.applyExtraction(ctx, graph.ExtractionResult{Relations: result.Relations}, idMap); err != nil {
			return
		}
	}
}

// applyExtraction reconciles res into the session graph, merges the returned
// temp-id map into idMap, and ships the delta when it changed anything.
func (p *Pipeline) applyExtraction(ctx context.Context, res graph.ExtractionResult, idMap map[string]string) error {
	p.sendStatus(ctx, protocol.StageUpdatingGraph)

	applyStart := time.Now()
	delta, mapping, err := p.graphs.ApplyExtraction(ctx, p.state.ID, res, idMap)
	p.metrics.GraphApplyDuration.Record(ctx, time.Since(applyStart).Seconds())
	if err != nil {
		p.log.Error("graph update failed", "error", err)
		p.sender.Send(ctx, protocol.TypeError, protocol.ErrorPayload{
			Code:        protocol.ErrGraphUpdateFailed,
			Message:     "failed to update the session graph",
			Recoverable: true,
		})
		return err
	}
	for k, v := range mapping {
		idMap[k] = v
	}

	if !delta.Empty() {
		p.metrics.RecordGraphMutation(ctx, "entity_added", len(delta.AddedEntities))
		p.metrics.RecordGraphMutation(ctx, "entity_updated", len(delta.UpdatedEntities))
		p.metrics.RecordGraphMutation(ctx, "relation_added", len(delta.AddedRelations))
		p.sender.Send(ctx, protocol.TypeGraphDelta, delta)
		if state, err := p.graphs.GetState(ctx, p.state.ID); err == nil {
			p.state.RecordGraphSize(len(state.Entities), len(state.Relations))
		}
	}
	return nil
}

func (p *Pipeline) sendStatus(ctx context.Context, stage protocol.Stage) {
	p.sender.Send(ctx, protocol.TypeProcessingStatus, protocol.StatusPayload{Stage: stage})
}
