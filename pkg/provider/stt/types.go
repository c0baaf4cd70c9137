package stt

// Request is one audio segment to recognize.
type Request struct {
	// Audio is the raw encoded audio for this segment.
	Audio []byte

	// Codec names the audio encoding: "pcm", "wav", "webm", "opus", "mp3".
	Codec string

	// SampleRate in Hz. Required for raw PCM; informative otherwise.
	SampleRate int

	// Channels is the channel count. Required for raw PCM.
	Channels int

	// SegmentID identifies this segment in logs and downstream frames.
	SegmentID string

	// Languages are BCP-47 hints, in preference order. Empty means
	// auto-detection.
	Languages []string
}

// Result is a recognized transcript.
type Result struct {
	// Text is the recognized text.
	Text string

	// Confidence is the backend's confidence in [0, 1].
	Confidence float64

	// LanguageCode is the detected language, when the backend reports one.
	LanguageCode string
}
