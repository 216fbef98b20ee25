// Package router serializes inbound messages per channel and decides
// what the processor sees.
//
// Inbound frames pass three gates:
//
//  1. dedup — a fingerprint cache rejects retried deliveries;
//  2. debounce — non-mention channel chatter is held briefly and
//     consolidated into one request (mentions and DMs skip this);
//  3. per-channel serialization — one active request per channel, the
//     rest queued in order, with consecutive batchable requests popped
//     together.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clara-ai/clara/internal/events"
	"github.com/clara-ai/clara/internal/infra"
	"github.com/clara-ai/clara/internal/observability"
	"github.com/clara-ai/clara/internal/protocol"
)

var (
	// ErrDuplicate means the message fingerprint was seen inside the
	// dedup window.
	ErrDuplicate = errors.New("duplicate message")

	// ErrQueueFull means the channel queue is at capacity.
	ErrQueueFull = errors.New("channel queue full")

	// ErrClosed means the router has shut down.
	ErrClosed = errors.New("router closed")
)

// Decision reports how Submit handled a message.
type Decision int

const (
	// Dispatched: the message became the channel's active request.
	Dispatched Decision = iota
	// Queued: the channel is busy; the message waits in order.
	Queued
	// Debounced: the message is held in a pending burst.
	Debounced
)

func (d Decision) String() string {
	switch d {
	case Dispatched:
		return "dispatched"
	case Queued:
		return "queued"
	case Debounced:
		return "debounced"
	default:
		return "unknown"
	}
}

// SubmitResult is the routing outcome for an accepted message.
type SubmitResult struct {
	Decision Decision
	// Position is the 1-based queue position when Decision is Queued.
	Position int
	// Absorbed lists frame IDs folded into this one by debouncing; only
	// ever set on the internal flush path, never on Submit itself.
	Absorbed []string
}

// Work is one unit handed to the processor: a single request or a batch
// of consecutive batchable requests. RequestID is the ID the response
// stream must be tagged with.
type Work struct {
	RequestID string
	Channel   protocol.ChannelInfo
	Messages  []*protocol.UserMessage
}

// Processor handles one unit of work. Returning an error marks the
// request failed; ctx is cancelled when the request is cancelled.
type Processor func(ctx context.Context, work *Work) error

// Config tunes the router.
type Config struct {
	// QueueBound caps the per-channel waiting queue. Default 50.
	QueueBound int
	// DebounceWindow is the quiet period before a burst flushes.
	// Default 2s.
	DebounceWindow time.Duration
	// DedupeWindow and DedupeMaxSize tune the fingerprint cache.
	// Defaults 30s / 1000.
	DedupeWindow  time.Duration
	DedupeMaxSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueBound:     50,
		DebounceWindow: 2 * time.Second,
		DedupeWindow:   30 * time.Second,
		DedupeMaxSize:  1000,
	}
}

type activeRequest struct {
	id        string
	cancel    context.CancelFunc
	cancelled bool
}

type channelState struct {
	active *activeRequest
	queue  []*protocol.UserMessage
}

// Router owns per-channel request ordering.
type Router struct {
	mu       sync.Mutex
	channels map[string]*channelState
	config   Config

	dedupe    *infra.DedupeCache
	debouncer *debouncer
	processor Processor
	emitter   *events.Emitter
	metrics   *observability.Metrics
	logger    *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New creates a router. The processor runs in its own goroutine per
// active request; the router guarantees at most one per channel.
func New(config Config, processor Processor, emitter *events.Emitter, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if config.QueueBound <= 0 {
		config.QueueBound = 50
	}
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		channels:  make(map[string]*channelState),
		config:    config,
		dedupe:    infra.NewDedupeCache(config.DedupeWindow, config.DedupeMaxSize),
		processor: processor,
		emitter:   emitter,
		metrics:   metrics,
		logger:    logger,
		baseCtx:   ctx,
		stop:      cancel,
	}
	r.debouncer = newDebouncer(config.DebounceWindow, r.flushBurst, logger)
	return r
}

// Submit routes an inbound message. It returns ErrDuplicate for retried
// deliveries and ErrQueueFull when the channel queue is at capacity;
// both are the caller's to report back to the adapter.
func (r *Router) Submit(msg *protocol.UserMessage) (SubmitResult, error) {
	fp := Fingerprint(msg.User.ID, msg.Channel.ID, msg.Content)
	if r.dedupe.Seen(fp) {
		if r.metrics != nil {
			r.metrics.DuplicatesRejected.Inc()
		}
		r.logger.Debug("duplicate rejected",
			"request_id", msg.ID, "fingerprint", fp)
		return SubmitResult{}, fmt.Errorf("fingerprint %s: %w", fp, ErrDuplicate)
	}

	// Mentions and DMs demand an immediate response; everything else is
	// ambient chatter that may still be mid-burst. Debouncing only makes
	// sense on an idle channel: once a request is running, holding new
	// messages back buys nothing, so they queue in arrival order instead.
	if !msg.IsMention && msg.Channel.Type != protocol.ChannelDM {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return SubmitResult{}, ErrClosed
		}
		state := r.channels[msg.Channel.ID]
		busy := state != nil && state.active != nil
		r.mu.Unlock()
		if !busy {
			r.debouncer.add(msg)
			return SubmitResult{Decision: Debounced}, nil
		}
	}

	return r.dispatch(msg, nil)
}

// flushBurst receives consolidated messages from the debouncer.
func (r *Router) flushBurst(msg *protocol.UserMessage, absorbed []string) {
	if r.metrics != nil {
		label := "single"
		if len(absorbed) > 0 {
			label = "multi"
		}
		r.metrics.DebounceConsolidations.WithLabelValues(label).Inc()
	}
	if len(absorbed) > 0 {
		r.logger.Info("burst consolidated",
			"request_id", msg.ID,
			"channel_id", msg.Channel.ID,
			"absorbed", len(absorbed))
	}
	if _, err := r.dispatch(msg, absorbed); err != nil {
		r.logger.Warn("burst dispatch failed",
			"request_id", msg.ID, "error", err)
	}
}

func (r *Router) dispatch(msg *protocol.UserMessage, absorbed []string) (SubmitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return SubmitResult{}, ErrClosed
	}

	state := r.channels[msg.Channel.ID]
	if state == nil {
		state = &channelState{}
		r.channels[msg.Channel.ID] = state
	}

	if state.active == nil {
		r.startLocked(msg.Channel, []*protocol.UserMessage{msg})
		return SubmitResult{Decision: Dispatched, Absorbed: absorbed}, nil
	}

	if len(state.queue) >= r.config.QueueBound {
		return SubmitResult{}, fmt.Errorf("channel %s at %d: %w",
			msg.Channel.ID, r.config.QueueBound, ErrQueueFull)
	}
	state.queue = append(state.queue, msg)
	pos := len(state.queue)

	if r.metrics != nil {
		r.metrics.QueuedRequests.Inc()
	}
	if r.emitter != nil {
		r.emitter.EmitAsync(r.baseCtx, events.New(events.EventRequestQueued).
			WithRequest(msg.ID, msg.User.ID, msg.Channel.ID).
			WithData("position", pos))
	}
	r.logger.Debug("request queued",
		"request_id", msg.ID,
		"channel_id", msg.Channel.ID,
		"position", pos)

	return SubmitResult{Decision: Queued, Position: pos, Absorbed: absorbed}, nil
}

// startLocked makes msgs the channel's active request. Caller holds mu.
func (r *Router) startLocked(channel protocol.ChannelInfo, msgs []*protocol.UserMessage) {
	state := r.channels[channel.ID]
	first := msgs[0]

	ctx, cancel := context.WithCancel(r.baseCtx)
	state.active = &activeRequest{id: first.ID, cancel: cancel}

	if r.metrics != nil {
		r.metrics.ActiveRequests.Inc()
	}
	if r.emitter != nil {
		r.emitter.EmitAsync(r.baseCtx, events.New(events.EventRequestActive).
			WithRequest(first.ID, first.User.ID, channel.ID).
			WithData("batch_size", len(msgs)))
	}

	work := &Work{RequestID: first.ID, Channel: channel, Messages: msgs}

	r.wg.Add(1)
	go r.run(ctx, work)
}

func (r *Router) run(ctx context.Context, work *Work) {
	defer r.wg.Done()

	err := r.invoke(ctx, work)
	cancelled := errors.Is(err, context.Canceled) || ctx.Err() != nil

	r.mu.Lock()
	state := r.channels[work.Channel.ID]
	if state == nil {
		r.mu.Unlock()
		return
	}
	if state.active != nil {
		if state.active.cancelled {
			cancelled = true
		}
		state.active.cancel()
		state.active = nil
	}
	if r.metrics != nil {
		r.metrics.ActiveRequests.Dec()
	}

	next := r.popBatchLocked(state)
	if next == nil && len(state.queue) == 0 {
		delete(r.channels, work.Channel.ID)
	}
	if next != nil {
		r.startLocked(work.Channel, next)
	}
	r.mu.Unlock()

	switch {
	case cancelled:
		r.emitRequestEvent(events.EventRequestCancelled, work, nil)
	case err != nil:
		r.logger.Error("request processing failed",
			"request_id", work.RequestID, "error", err)
		r.emitRequestEvent(events.EventRequestFailed, work, err)
	default:
		r.emitRequestEvent(events.EventRequestCompleted, work, nil)
	}
}

func (r *Router) invoke(ctx context.Context, work *Work) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()
	return r.processor(ctx, work)
}

func (r *Router) emitRequestEvent(t events.Type, work *Work, err error) {
	if r.emitter == nil {
		return
	}
	ev := events.New(t).
		WithRequest(work.RequestID, work.Messages[0].User.ID, work.Channel.ID)
	if err != nil {
		ev.WithData("error", err.Error())
	}
	r.emitter.EmitAsync(r.baseCtx, ev)
}

// popBatchLocked removes the next unit of work from the queue: the head
// alone, or the head plus following consecutive batchable messages when
// the head itself is batchable. Caller holds mu.
func (r *Router) popBatchLocked(state *channelState) []*protocol.UserMessage {
	if len(state.queue) == 0 {
		return nil
	}
	n := 1
	if state.queue[0].IsBatchable {
		for n < len(state.queue) && state.queue[n].IsBatchable {
			n++
		}
	}
	batch := make([]*protocol.UserMessage, n)
	copy(batch, state.queue[:n])
	state.queue = state.queue[n:]
	if r.metrics != nil {
		r.metrics.QueuedRequests.Sub(float64(n))
	}
	return batch
}

// Cancel cancels a request by ID, whether active, queued, or pending in
// a debounce burst. active reports whether a processor is unwinding and
// will confirm the cancellation itself.
func (r *Router) Cancel(requestID string) (found, active bool) {
	if r.debouncer.cancelRequest(requestID) {
		r.logger.Info("pending message cancelled", "request_id", requestID)
		return true, false
	}

	r.mu.Lock()
	for channelID, state := range r.channels {
		if state.active != nil && state.active.id == requestID {
			state.active.cancelled = true
			state.active.cancel()
			r.mu.Unlock()
			r.logger.Info("active request cancelled",
				"request_id", requestID, "channel_id", channelID)
			return true, true
		}
		for i, queued := range state.queue {
			if queued.ID == requestID {
				state.queue = append(state.queue[:i], state.queue[i+1:]...)
				if r.metrics != nil {
					r.metrics.QueuedRequests.Dec()
				}
				r.mu.Unlock()
				if r.emitter != nil {
					r.emitter.EmitAsync(r.baseCtx,
						events.New(events.EventRequestCancelled).
							WithRequest(requestID, queued.User.ID, channelID))
				}
				r.logger.Info("queued request cancelled",
					"request_id", requestID, "channel_id", channelID)
				return true, false
			}
		}
	}
	r.mu.Unlock()
	return false, false
}

// CancelChannel cancels everything for a channel: the active request,
// the whole queue, and any pending debounce burst. Returns the affected
// request IDs.
func (r *Router) CancelChannel(channelID string) []string {
	var ids []string
	ids = append(ids, r.debouncer.cancelChannel(channelID)...)

	r.mu.Lock()
	state := r.channels[channelID]
	if state != nil {
		if state.active != nil {
			state.active.cancelled = true
			state.active.cancel()
			ids = append(ids, state.active.id)
		}
		for _, queued := range state.queue {
			ids = append(ids, queued.ID)
		}
		if r.metrics != nil {
			r.metrics.QueuedRequests.Sub(float64(len(state.queue)))
		}
		state.queue = nil
	}
	r.mu.Unlock()

	if len(ids) > 0 {
		r.logger.Info("channel cancelled",
			"channel_id", channelID, "requests", len(ids))
	}
	return ids
}

// ChannelStatus describes one channel's load.
type ChannelStatus struct {
	ActiveRequestID string `json:"active_request_id,omitempty"`
	QueueLength     int    `json:"queue_length"`
}

// Status is a point-in-time snapshot of router load.
type Status struct {
	ActiveCount int                      `json:"active_count"`
	QueueLength int                      `json:"queue_length"`
	Pending     int                      `json:"pending_bursts"`
	Channels    map[string]ChannelStatus `json:"channels,omitempty"`
}

// Snapshot returns current router load.
func (r *Router) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Pending:  r.debouncer.pendingCount(),
		Channels: make(map[string]ChannelStatus, len(r.channels)),
	}
	for id, state := range r.channels {
		cs := ChannelStatus{QueueLength: len(state.queue)}
		if state.active != nil {
			cs.ActiveRequestID = state.active.id
			s.ActiveCount++
		}
		s.QueueLength += len(state.queue)
		s.Channels[id] = cs
	}
	return s
}

// Close cancels all in-flight work and waits for processors to return.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.debouncer.close()
	r.stop()
	r.wg.Wait()
}

// queueDepth is a test hook.
func (r *Router) queueDepth(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state := r.channels[channelID]; state != nil {
		return len(state.queue)
	}
	return 0
}
