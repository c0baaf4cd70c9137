package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echograph/internal/protocol"
)

const (
	// Caps on the audio kept around for a possible feedback upload. The
	// oldest chunks are evicted first once either cap is exceeded.
	maxBufferedAudioBytes = 10 << 20       // 10 MiB
	maxBufferedAudioTime  = 10 * 60 * 1000 // 10 min, in ms
)

// State is the mutable per-connection session record shared by the router
// and the workers.
type State struct {
	ID        string
	CreatedAt time.Time

	// Config is fixed at session start.
	Config protocol.SessionConfig

	active       atomic.Bool
	purgeOnClose atomic.Bool
	lastActivity atomic.Int64 // unix ms
	segmentSeq   atomic.Int64
	sentenceSeq  atomic.Int64

	entityCount   atomic.Int64
	relationCount atomic.Int64

	audioMu       sync.Mutex
	audioSegments []audioSegment
	audioBytes    int
	audioDuration int // ms
	audioCodec    string

	transcriptMu sync.Mutex
	transcript   []string
}

// maxTranscriptSentences caps the retained transcript for the session log.
const maxTranscriptSentences = 1000

type audioSegment struct {
	data     []byte
	duration int // ms
}

// NewState creates an active session with the activity clock set to now.
func NewState(id string, cfg protocol.SessionConfig) *State {
	s := &State{
		ID:        id,
		CreatedAt: time.Now(),
		Config:    cfg,
	}
	s.active.Store(true)
	s.Touch()
	return s
}

// Active reports whether the session is still running. Every worker loop
// checks this on each iteration; it is the single cooperative stop signal.
func (s *State) Active() bool {
	return s.active.Load()
}

// Deactivate marks the session inactive.
func (s *State) Deactivate() {
	s.active.Store(false)
}

// Touch records client activity. Any inbound frame counts.
func (s *State) Touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// IdleFor returns how long it has been since the last inbound frame.
func (s *State) IdleFor() time.Duration {
	return time.Duration(time.Now().UnixMilli()-s.lastActivity.Load()) * time.Millisecond
}

// MarkPurge schedules persisted-state deletion for when the session closes.
func (s *State) MarkPurge() {
	s.purgeOnClose.Store(true)
}

// ShouldPurge reports whether the client asked for its data to be cleared.
func (s *State) ShouldPurge() bool {
	return s.purgeOnClose.Load()
}

// NextSegmentSeq returns the next STT segment counter value.
func (s *State) NextSegmentSeq() int64 {
	return s.segmentSeq.Add(1) - 1
}

// NextSentenceSeq returns the next finalized-sentence counter value.
func (s *State) NextSentenceSeq() int64 {
	return s.sentenceSeq.Add(1) - 1
}

// RecordGraphSize stores the latest entity/relation counts for the
// feedback-request frame.
func (s *State) RecordGraphSize(entities, relations int) {
	s.entityCount.Store(int64(entities))
	s.relationCount.Store(int64(relations))
}

// GraphSize returns the last recorded entity and relation counts.
func (s *State) GraphSize() (entities, relations int) {
	return int(s.entityCount.Load()), int(s.relationCount.Load())
}

// Languages returns the configured language hints, or nil for auto-detect.
func (s *State) Languages() []string {
	return s.Config.LanguageCodes
}

// AppendAudio adds a decoded chunk to the feedback accumulation buffer,
// evicting the oldest chunks once the byte or duration cap is exceeded.
func (s *State) AppendAudio(data []byte, durationMS int, codec string) {
	if len(data) == 0 {
		return
	}
	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	s.audioSegments = append(s.audioSegments, audioSegment{data: data, duration: durationMS})
	s.audioBytes += len(data)
	s.audioDuration += durationMS
	if codec != "" {
		s.audioCodec = codec
	}

	for len(s.audioSegments) > 1 &&
		(s.audioBytes > maxBufferedAudioBytes || s.audioDuration > maxBufferedAudioTime) {
		evicted := s.audioSegments[0]
		s.audioSegments = s.audioSegments[1:]
		s.audioBytes -= len(evicted.data)
		s.audioDuration -= evicted.duration
	}
}

// BufferedAudio returns the concatenated retained audio and its codec.
func (s *State) BufferedAudio() (data []byte, codec string) {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	out := make([]byte, 0, s.audioBytes)
	for _, seg := range s.audioSegments {
		out = append(out, seg.data...)
	}
	return out, s.audioCodec
}

// RecordSentence appends a finalized sentence to the transcript kept for the
// end-of-session log. The oldest sentences are dropped past the cap.
func (s *State) RecordSentence(text string) {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	s.transcript = append(s.transcript, text)
	if len(s.transcript) > maxTranscriptSentences {
		s.transcript = s.transcript[len(s.transcript)-maxTranscriptSentences:]
	}
}

// Transcript returns a copy of the finalized sentences so far.
func (s *State) Transcript() []string {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	return append([]string(nil), s.transcript...)
}

// DurationSeconds returns the session age in whole seconds.
func (s *State) DurationSeconds() int {
	return int(time.Since(s.CreatedAt).Seconds())
}
