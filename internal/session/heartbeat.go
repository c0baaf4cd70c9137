package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/echograph/internal/protocol"
)

const (
	heartbeatInterval = 15 * time.Second
	idleTimeout       = 45 * time.Second
)

// Heartbeat pings the client on a fixed tick and deactivates the session
// when the client has been silent too long. Pings are written directly,
// bypassing the outbound queue.
type Heartbeat struct {
	state     *State
	transport Transport
	log       *slog.Logger

	interval time.Duration
	idle     time.Duration
}

// NewHeartbeat creates a heartbeat monitor for state over transport.
func NewHeartbeat(state *State, transport Transport, log *slog.Logger) *Heartbeat {
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{
		state:     state,
		transport: transport,
		log:       log.With("component", "heartbeat", "session_id", state.ID),
		interval:  heartbeatInterval,
		idle:      idleTimeout,
	}
}

// Run ticks until ctx ends or the session goes inactive. Activity means any
// inbound frame, not only pongs.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !h.state.Active() {
			return
		}

		if h.state.IdleFor() > h.idle {
			h.log.Info("client idle, closing session", "idle", h.state.IdleFor())
			h.state.Deactivate()
			// Unblocks the router's read so teardown starts immediately.
			_ = h.transport.Close("idle timeout")
			return
		}

		msg, err := protocol.New(protocol.TypePing, struct{}{})
		if err != nil {
			continue
		}
		if err := h.transport.Write(ctx, msg); err != nil {
			h.log.Warn("ping write failed", "error", err)
		}
	}
}
