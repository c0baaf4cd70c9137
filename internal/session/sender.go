package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/echograph/internal/protocol"
)

const (
	outboundQueueSize   = 200
	outboundEnqueueWait = time.Second

	// Pacing: the first take of a batch blocks briefly, then the batch is
	// topped up without waiting and written with small gaps so a burst of
	// deltas does not starve the connection.
	senderFirstTakeWait = 500 * time.Millisecond
	senderMaxBatch      = 10
	senderInterSendGap  = 10 * time.Millisecond
	senderInterBatchGap = 50 * time.Millisecond
	senderWriteTimeout  = 5 * time.Second
)

// Sender owns the single outbound path of a session. Every non-urgent frame
// funnels through its queue so frames reach the wire whole and in enqueue
// order; urgent frames (ping, pong, error) are written directly.
type Sender struct {
	transport Transport
	queue     *Queue[*protocol.Message]
	log       *slog.Logger
}

// NewSender creates a Sender writing to transport.
func NewSender(transport Transport, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		transport: transport,
		queue:     NewQueue[*protocol.Message](outboundQueueSize),
		log:       log.With("component", "sender"),
	}
}

// Enqueue queues msg for delivery. Urgent frames bypass the queue and are
// written immediately. A full queue drops the frame after a bounded wait;
// drops are logged, never fatal.
func (s *Sender) Enqueue(ctx context.Context, msg *protocol.Message) {
	if msg.Urgent() {
		s.write(ctx, msg)
		return
	}
	if !s.queue.Put(ctx, msg, outboundEnqueueWait) {
		s.log.Warn("outbound queue full, frame dropped", "type", msg.Type)
	}
}

// Send builds an envelope around payload and enqueues it. Marshal failures
// are logged and dropped; they indicate a server bug, not a client problem.
func (s *Sender) Send(ctx context.Context, typ protocol.MessageType, payload any) {
	msg, err := protocol.New(typ, payload)
	if err != nil {
		s.log.Error("failed to build frame", "type", typ, "error", err)
		return
	}
	s.Enqueue(ctx, msg)
}

// Run drains the queue until ctx ends, writing in paced batches. It is the
// only goroutine writing non-urgent frames.
func (s *Sender) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		first, ok := s.queue.Take(ctx, senderFirstTakeWait)
		if !ok {
			continue
		}

		batch := make([]*protocol.Message, 1, senderMaxBatch)
		batch[0] = first
		for len(batch) < senderMaxBatch {
			msg, ok := s.queue.TryTake()
			if !ok {
				break
			}
			batch = append(batch, msg)
		}

		for i, msg := range batch {
			if ctx.Err() != nil {
				return
			}
			s.write(ctx, msg)
			if i < len(batch)-1 {
				sleepCtx(ctx, senderInterSendGap)
			}
		}

		sleepCtx(ctx, senderInterBatchGap)
	}
}

// Drain writes whatever is still queued, best-effort, for use during
// shutdown after Run has exited.
func (s *Sender) Drain(ctx context.Context) {
	for {
		msg, ok := s.queue.TryTake()
		if !ok {
			return
		}
		s.write(ctx, msg)
	}
}

func (s *Sender) write(ctx context.Context, msg *protocol.Message) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), senderWriteTimeout)
	defer cancel()
	if err := s.transport.Write(writeCtx, msg); err != nil {
		s.log.Warn("frame write failed", "type", msg.Type, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
