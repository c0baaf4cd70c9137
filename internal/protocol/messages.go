// Package protocol defines the JSON wire format spoken over the client
// WebSocket: the message envelope, the inbound/outbound message kinds and
// their payloads, processing stages, and error codes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echograph/internal/graph"
)

// MessageType identifies a frame kind.
type MessageType string

// Inbound (client → server) message kinds.
const (
	TypeStartSession   MessageType = "START_SESSION"
	TypeAudioChunk     MessageType = "AUDIO_CHUNK"
	TypeEndSession     MessageType = "END_SESSION"
	TypePing           MessageType = "PING"
	TypeSubmitFeedback MessageType = "SUBMIT_FEEDBACK"
	TypeTranslateGraph MessageType = "TRANSLATE_GRAPH"
)

// Outbound (server → client) message kinds.
const (
	TypeSTTPartial       MessageType = "STT_PARTIAL"
	TypeSTTFinal         MessageType = "STT_FINAL"
	TypeGraphDelta       MessageType = "GRAPH_DELTA"
	TypeGraphFull        MessageType = "GRAPH_FULL"
	TypeProcessingStatus MessageType = "PROCESSING_STATUS"
	TypeError            MessageType = "ERROR"
	TypePong             MessageType = "PONG"
	TypeFeedbackResult   MessageType = "FEEDBACK_RESULT"
	TypeRequestFeedback  MessageType = "REQUEST_FEEDBACK"
	TypeTranslateResult  MessageType = "TRANSLATE_RESULT"
)

// Stage is a pipeline processing stage reported to the client.
type Stage string

const (
	StageReceiving     Stage = "RECEIVING"
	StageSTTProcessing Stage = "STT_PROCESSING"
	StageNLPAnalyzing  Stage = "NLP_ANALYZING"
	StageExtracting    Stage = "EXTRACTING"
	StageUpdatingGraph Stage = "UPDATING_GRAPH"
	StageSavingData    Stage = "SAVING_DATA"
	StageIdle          Stage = "IDLE"
)

// ErrorCode classifies ERROR frames.
type ErrorCode string

const (
	ErrAudioFormatUnsupported ErrorCode = "AUDIO_FORMAT_UNSUPPORTED"
	ErrSTTFailed              ErrorCode = "STT_FAILED"
	ErrExtractionFailed       ErrorCode = "EXTRACTION_FAILED"
	ErrGraphUpdateFailed      ErrorCode = "GRAPH_UPDATE_FAILED"
	ErrRateLimited            ErrorCode = "RATE_LIMITED"
	ErrSessionExpired         ErrorCode = "SESSION_EXPIRED"
	ErrFeedbackFailed         ErrorCode = "FEEDBACK_FAILED"
	ErrStorageError           ErrorCode = "STORAGE_ERROR"
	ErrInternalError          ErrorCode = "INTERNAL_ERROR"
)

// Message is the envelope shared by every frame in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// New builds an envelope around payload with a fresh message id and the
// current wall clock.
func New(typ MessageType, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", typ, err)
	}
	return &Message{
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Urgent reports whether the frame bypasses the outbound queue. Heartbeat
// frames and errors are written directly so a backlog of graph deltas can
// never delay them.
func (m *Message) Urgent() bool {
	return m.Type == TypePing || m.Type == TypePong || m.Type == TypeError
}

// ─── Audio ───────────────────────────────────────────────────────────────────

// AudioFormat describes the codec and layout of an audio chunk.
type AudioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bitDepth,omitempty"`
}

// AudioChunkPayload is the AUDIO_CHUNK payload. Data is base64.
type AudioChunkPayload struct {
	Data           string      `json:"data"`
	Format         AudioFormat `json:"format"`
	SequenceNumber int         `json:"sequenceNumber"`
	StartTime      int64       `json:"startTime"`
	Duration       int         `json:"duration"`
}

// ─── Session ─────────────────────────────────────────────────────────────────

// SessionConfig carries the client's session parameters.
type SessionConfig struct {
	AudioFormat    *AudioFormat `json:"audioFormat,omitempty"`
	ExtractionMode string       `json:"extractionMode,omitempty"`
	LanguageCodes  []string     `json:"languageCodes,omitempty"`
}

// StartSessionPayload is the START_SESSION payload. A non-empty SessionID
// resumes the persisted graph of an earlier session.
type StartSessionPayload struct {
	SessionID string         `json:"sessionId,omitempty"`
	Config    *SessionConfig `json:"config,omitempty"`
}

// EndSessionPayload is the END_SESSION payload.
type EndSessionPayload struct {
	ClearSession bool `json:"clearSession,omitempty"`
}

// ─── Transcripts ─────────────────────────────────────────────────────────────

// STTPartialPayload is an interim recognizer result.
type STTPartialPayload struct {
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	SegmentID    string  `json:"segmentId"`
	LanguageCode string  `json:"languageCode,omitempty"`
}

// STTFinalPayload is a finalized sentence.
type STTFinalPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	SegmentID  string  `json:"segmentId"`
	IsComplete bool    `json:"isComplete"`
}

// ─── Status and errors ───────────────────────────────────────────────────────

// StatusPayload is the PROCESSING_STATUS payload.
type StatusPayload struct {
	Stage   Stage  `json:"stage"`
	ChunkID string `json:"chunkId,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is the ERROR payload.
type ErrorPayload struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// ─── Feedback ────────────────────────────────────────────────────────────────

// FeedbackPayload is the SUBMIT_FEEDBACK payload. Rating is 1–5.
type FeedbackPayload struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// FeedbackResultPayload acknowledges a feedback submission.
type FeedbackResultPayload struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	AudioURI string `json:"audioUri,omitempty"`
	GraphURI string `json:"graphUri,omitempty"`
}

// RequestFeedbackPayload asks the client for a session rating.
type RequestFeedbackPayload struct {
	SessionID       string `json:"sessionId"`
	EntitiesCount   int    `json:"entitiesCount"`
	RelationsCount  int    `json:"relationsCount"`
	DurationSeconds int    `json:"durationSeconds"`
}

// ─── Translation ─────────────────────────────────────────────────────────────

// TranslateGraphPayload is the TRANSLATE_GRAPH payload.
type TranslateGraphPayload struct {
	TargetLanguage string `json:"targetLanguage"`
}

// TranslateResultPayload carries translated labels and relation phrases,
// keyed by entity/relation id. Stored graph state is never mutated.
type TranslateResultPayload struct {
	Success        bool              `json:"success"`
	TargetLanguage string            `json:"targetLanguage"`
	Entities       map[string]string `json:"entities"`
	Relations      map[string]string `json:"relations"`
}

// ─── Graph frames ────────────────────────────────────────────────────────────

// GraphFull wraps a full state for the GRAPH_FULL frame. The session id lets
// resuming clients learn the id the server bound.
type GraphFull struct {
	SessionID string `json:"sessionId"`
	graph.State
}
