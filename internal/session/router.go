package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echograph/internal/extract"
	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/internal/protocol"
	"github.com/MrWong99/echograph/pkg/provider/stt"
)

// drainTimeout bounds the best-effort flush of queued outbound frames during
// session teardown.
const drainTimeout = 2 * time.Second

var errMissingRouterDeps = errors.New("session: router requires stt, extractor, and graph manager")

// GraphTranslator translates a graph's labels into a target language.
// *extract.Translator is the production implementation.
type GraphTranslator interface {
	Translate(ctx context.Context, state *graph.State, targetLanguage string) (*extract.Translation, error)
}

// FeedbackSubmission carries everything the feedback workflow needs from a
// session at submission time.
type FeedbackSubmission struct {
	SessionID       string
	Rating          int
	Comment         string
	Audio           []byte
	AudioCodec      string
	Graph           *graph.State
	DurationSeconds int
}

// SessionLog is the end-of-session document archived to the object store.
type SessionLog struct {
	SessionID       string   `json:"sessionId"`
	Transcript      []string `json:"transcript"`
	EntitiesCount   int      `json:"entitiesCount"`
	RelationsCount  int      `json:"relationsCount"`
	DurationSeconds int      `json:"durationSeconds"`
	EndedAt         int64    `json:"endedAt"`
}

// Feedback handles SUBMIT_FEEDBACK frames, archives session logs, and
// supplies extraction guidance derived from past feedback. The result payload
// reports per-submission success; infrastructure failures never escape to the
// caller.
type Feedback interface {
	Submit(ctx context.Context, sub FeedbackSubmission) protocol.FeedbackResultPayload
	Archive(ctx context.Context, log SessionLog)
	Guidance(ctx context.Context, sessionID string) string
}

// RouterConfig wires a Router.
type RouterConfig struct {
	STT        stt.Provider
	Extractor  *extract.Extractor
	Graph      *graph.Manager
	Translator GraphTranslator // optional; TRANSLATE_GRAPH fails soft without it
	Feedback   Feedback        // optional; feedback frames fail soft without it
	Logger     *slog.Logger
}

// Router accepts transports and runs each one as a session: it waits for the
// start frame, replies with the full graph, spins up the pipeline workers,
// and routes every subsequent inbound frame until the connection ends.
type Router struct {
	stt        stt.Provider
	extractor  *extract.Extractor
	graphs     *graph.Manager
	translator GraphTranslator
	feedback   Feedback
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*State
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.STT == nil || cfg.Extractor == nil || cfg.Graph == nil {
		return nil, errMissingRouterDeps
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		stt:        cfg.STT,
		extractor:  cfg.Extractor,
		graphs:     cfg.Graph,
		translator: cfg.Translator,
		feedback:   cfg.Feedback,
		log:        log.With("component", "router"),
		sessions:   map[string]*State{},
	}, nil
}

// ActiveSessions returns the number of currently connected sessions.
func (r *Router) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Handle runs one connection to completion. It returns when the transport
// closes, ctx ends, or the session is torn down.
func (r *Router) Handle(ctx context.Context, transport Transport) error {
	defer transport.Close("session closed")

	start, err := r.awaitStart(ctx, transport)
	if err != nil {
		return err
	}

	sessionID := start.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	var cfg protocol.SessionConfig
	if start.Config != nil {
		cfg = *start.Config
	}

	state := NewState(sessionID, cfg)
	r.register(state)
	defer r.unregister(sessionID)

	log := r.log.With("session_id", sessionID)
	log.Info("session started", "resumed", start.SessionID != "")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sender := NewSender(transport, log)
	heartbeat := NewHeartbeat(state, transport, log)

	pipeline, err := NewPipeline(PipelineConfig{
		State:     state,
		Sender:    sender,
		STT:       r.stt,
		Extractor: r.extractor,
		Graph:     r.graphs,
		Logger:    log,
		Guidance:  r.guidanceFunc(sessionID),
	})
	if err != nil {
		return err
	}

	// The full graph is the first outbound frame; for a resumed session id
	// this is the persisted state, otherwise an empty version 0 graph.
	if initial, err := r.graphs.GetState(runCtx, sessionID); err == nil {
		state.RecordGraphSize(len(initial.Entities), len(initial.Relations))
		sender.Send(runCtx, protocol.TypeGraphFull, protocol.GraphFull{SessionID: sessionID, State: *initial})
	} else {
		log.Error("initial graph load failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sender.Run(runCtx) }()
	go func() { defer wg.Done(); heartbeat.Run(runCtx) }()
	go func() { defer wg.Done(); _ = pipeline.Run(runCtx) }()

	r.readLoop(runCtx, transport, state, sender, pipeline, log)

	state.Deactivate()
	cancel()
	wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	sender.Drain(drainCtx)
	drainCancel()

	if state.ShouldPurge() {
		purgeCtx, purgeCancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		if err := r.graphs.Purge(purgeCtx, sessionID); err != nil {
			log.Error("session purge failed", "error", err)
		}
		purgeCancel()
	}
	r.graphs.Forget(sessionID)

	log.Info("session closed", "duration_s", state.DurationSeconds())
	return nil
}

// awaitStart reads frames until the start frame arrives. Anything else
// received first is refused with a log line.
func (r *Router) awaitStart(ctx context.Context, transport Transport) (*protocol.StartSessionPayload, error) {
	for {
		msg, err := transport.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				r.log.Warn("malformed frame skipped", "error", err)
				continue
			}
			return nil, err
		}
		if msg.Type != protocol.TypeStartSession {
			r.log.Warn("frame before session start refused", "type", msg.Type)
			continue
		}
		var payload protocol.StartSessionPayload
		if err := msg.Decode(&payload); err != nil {
			r.log.Warn("malformed start frame", "error", err)
			continue
		}
		return &payload, nil
	}
}

// readLoop routes inbound frames until the transport fails or ctx ends.
// After an end frame only feedback and ping frames are still served; the
// pipeline is already shutting down.
func (r *Router) readLoop(ctx context.Context, transport Transport, state *State, sender *Sender, pipeline *Pipeline, log *slog.Logger) {
	for ctx.Err() == nil {
		msg, err := transport.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				log.Warn("malformed frame skipped", "error", err)
				continue
			}
			log.Info("connection closed", "error", err)
			return
		}
		state.Touch()

		if !state.Active() && msg.Type != protocol.TypeSubmitFeedback && msg.Type != protocol.TypePing {
			log.Debug("frame after session end ignored", "type", msg.Type)
			continue
		}

		switch msg.Type {
		case protocol.TypeAudioChunk:
			var payload protocol.AudioChunkPayload
			if err := msg.Decode(&payload); err != nil {
				r.sendInternalError(ctx, sender, err)
				continue
			}
			pipeline.EnqueueAudio(ctx, payload)

		case protocol.TypeEndSession:
			var payload protocol.EndSessionPayload
			if err := msg.Decode(&payload); err == nil && payload.ClearSession {
				state.MarkPurge()
			}
			state.Deactivate()
			log.Info("session ended by client", "clear", state.ShouldPurge())
			if r.feedback != nil {
				entities, relations := state.GraphSize()
				r.feedback.Archive(ctx, SessionLog{
					SessionID:       state.ID,
					Transcript:      state.Transcript(),
					EntitiesCount:   entities,
					RelationsCount:  relations,
					DurationSeconds: state.DurationSeconds(),
					EndedAt:         time.Now().UnixMilli(),
				})
				sender.Send(ctx, protocol.TypeRequestFeedback, protocol.RequestFeedbackPayload{
					SessionID:       state.ID,
					EntitiesCount:   entities,
					RelationsCount:  relations,
					DurationSeconds: state.DurationSeconds(),
				})
			}

		case protocol.TypeSubmitFeedback:
			r.handleFeedback(ctx, msg, state, sender)

		case protocol.TypeTranslateGraph:
			r.handleTranslate(ctx, msg, state, sender)

		case protocol.TypePing:
			sender.Send(ctx, protocol.TypePong, struct{}{})

		case protocol.TypeStartSession:
			log.Warn("duplicate start frame ignored")

		default:
			log.Warn("unknown frame type", "type", msg.Type)
		}
	}
}

func (r *Router) handleFeedback(ctx context.Context, msg *protocol.Message, state *State, sender *Sender) {
	var payload protocol.FeedbackPayload
	if err := msg.Decode(&payload); err != nil {
		r.sendInternalError(ctx, sender, err)
		return
	}
	if r.feedback == nil || payload.Rating < 1 || payload.Rating > 5 {
		sender.Send(ctx, protocol.TypeError, protocol.ErrorPayload{
			Code:        protocol.ErrFeedbackFailed,
			Message:     "feedback not accepted",
			Recoverable: true,
		})
		return
	}

	audio, codec := state.BufferedAudio()
	var graphState *graph.State
	if st, err := r.graphs.GetState(ctx, state.ID); err == nil {
		graphState = st
	}

	result := r.feedback.Submit(ctx, FeedbackSubmission{
		SessionID:       state.ID,
		Rating:          payload.Rating,
		Comment:         payload.Comment,
		Audio:           audio,
		AudioCodec:      codec,
		Graph:           graphState,
		DurationSeconds: state.DurationSeconds(),
	})
	sender.Send(ctx, protocol.TypeFeedbackResult, result)
}

func (r *Router) handleTranslate(ctx context.Context, msg *protocol.Message, state *State, sender *Sender) {
	var payload protocol.TranslateGraphPayload
	if err := msg.Decode(&payload); err != nil {
		r.sendInternalError(ctx, sender, err)
		return
	}

	fail := func() {
		sender.Send(ctx, protocol.TypeTranslateResult, protocol.TranslateResultPayload{
			Success:        false,
			TargetLanguage: payload.TargetLanguage,
			Entities:       map[string]string{},
			Relations:      map[string]string{},
		})
	}

	if r.translator == nil {
		fail()
		return
	}
	graphState, err := r.graphs.GetState(ctx, state.ID)
	if err != nil {
		fail()
		return
	}
	translation, err := r.translator.Translate(ctx, graphState, payload.TargetLanguage)
	if err != nil {
		r.log.Warn("graph translation failed", "session_id", state.ID, "error", err)
		fail()
		return
	}

	sender.Send(ctx, protocol.TypeTranslateResult, protocol.TranslateResultPayload{
		Success:        true,
		TargetLanguage: payload.TargetLanguage,
		Entities:       translation.Entities,
		Relations:      translation.Relations,
	})
}

func (r *Router) guidanceFunc(sessionID string) func(ctx context.Context) string {
	if r.feedback == nil {
		return nil
	}
	return func(ctx context.Context) string {
		return r.feedback.Guidance(ctx, sessionID)
	}
}

func (r *Router) sendInternalError(ctx context.Context, sender *Sender, err error) {
	r.log.Error("frame handling failed", "error", err)
	sender.Send(ctx, protocol.TypeError, protocol.ErrorPayload{
		Code:        protocol.ErrInternalError,
		Message:     err.Error(),
		Recoverable: true,
	})
}

func (r *Router) register(state *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[state.ID] = state
}

func (r *Router) unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
