// Package objectstore archives session artifacts: accumulated audio, graph
// JSON snapshots taken at feedback time, and session logs. Objects are laid
// out under three date-partitioned prefixes (audio/, graphs/, logs/) so
// retention jobs can sweep by day.
package objectstore

import "context"

// Store persists session artifacts and returns a URI for each stored object.
type Store interface {
	// PutAudio stores one session's accumulated audio. codec selects the
	// file extension and content type.
	PutAudio(ctx context.Context, sessionID string, data []byte, codec string) (string, error)

	// PutGraph stores a graph snapshot taken at the given version.
	PutGraph(ctx context.Context, sessionID string, version int, graphJSON []byte) (string, error)

	// PutSessionLog stores the end-of-session log document.
	PutSessionLog(ctx context.Context, sessionID string, logJSON []byte) (string, error)

	// DeleteSession removes every object belonging to the session across
	// all prefixes.
	DeleteSession(ctx context.Context, sessionID string) error
}

// contentTypes maps supported audio codecs to their MIME type. Codecs outside
// this map are stored as octet streams.
var contentTypes = map[string]string{
	"wav":  "audio/wav",
	"webm": "audio/webm",
	"opus": "audio/opus",
	"mp3":  "audio/mpeg",
	"pcm":  "application/octet-stream",
}

// ContentType returns the MIME type for an audio codec.
func ContentType(codec string) string {
	if ct, ok := contentTypes[codec]; ok {
		return ct
	}
	return "application/octet-stream"
}
