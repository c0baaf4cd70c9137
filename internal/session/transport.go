package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/MrWong99/echograph/internal/protocol"
)

// ErrMalformedFrame reports an inbound frame that is not a valid message
// envelope. The connection itself is still healthy; callers log and skip.
var ErrMalformedFrame = errors.New("session: malformed frame")

// Transport is the framed bidirectional channel a session runs over. The
// production implementation wraps a WebSocket; tests substitute an in-memory
// pair.
type Transport interface {
	// Read blocks until the next inbound frame arrives. It returns an error
	// once the peer is gone.
	Read(ctx context.Context) (*protocol.Message, error)

	// Write sends one frame. Safe for concurrent use: the sender worker and
	// the heartbeat both write.
	Write(ctx context.Context, msg *protocol.Message) error

	// Close closes the channel with a normal-closure status.
	Close(reason string) error
}

// Compile-time assertion that wsTransport implements Transport.
var _ Transport = (*wsTransport)(nil)

// wsTransport adapts a coder/websocket connection to Transport. The library
// serializes concurrent writers internally.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) (*protocol.Message, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: read frame: %w", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &msg, nil
}

func (t *wsTransport) Write(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: encode frame: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("session: write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
