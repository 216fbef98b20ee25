package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clara-ai/clara/internal/protocol"
)

// debouncer holds back rapid message bursts per channel so a user typing
// across several lines produces one consolidated request instead of
// several. Each new message in a channel resets that channel's timer;
// the burst flushes after a quiet window.
//
// Mentions and DMs never pass through here; the router dispatches them
// immediately.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingBurst
	flush   func(msg *protocol.UserMessage, absorbed []string)
	logger  *slog.Logger
	closed  bool
}

// pendingBurst keeps each message of the burst separate until the flush
// so a single message can still be cancelled out of the middle;
// consolidation happens at fire time.
type pendingBurst struct {
	parts []*protocol.UserMessage
	timer *time.Timer
}

func newDebouncer(window time.Duration, flush func(*protocol.UserMessage, []string), logger *slog.Logger) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]*pendingBurst),
		flush:   flush,
		logger:  logger,
	}
}

// add folds a message into its channel's pending burst, starting one if
// none exists. Every message resets the channel's timer.
func (d *debouncer) add(msg *protocol.UserMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	key := msg.Channel.ID
	// Copy so later consolidation never mutates the caller's frame.
	own := *msg

	if burst, ok := d.pending[key]; ok {
		burst.parts = append(burst.parts, &own)
		burst.timer.Reset(d.window)
		d.logger.Debug("message absorbed into burst",
			"channel_id", key,
			"first_id", burst.parts[0].ID,
			"absorbed_id", msg.ID)
		return
	}

	burst := &pendingBurst{parts: []*protocol.UserMessage{&own}}
	burst.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.pending[key] = burst
}

func (d *debouncer) fire(key string) {
	d.mu.Lock()
	burst, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok && len(burst.parts) > 0 {
		d.flush(consolidate(burst.parts))
	}
}

// consolidate merges a burst into one request under the first frame's
// ID (the response streams under it) with concatenated content; reply
// chain, attachments, tier and metadata come from the latest message
// since the adapter snapshots them fresh each send.
func consolidate(parts []*protocol.UserMessage) (*protocol.UserMessage, []string) {
	head := *parts[0]
	var absorbed []string
	for _, part := range parts[1:] {
		absorbed = append(absorbed, part.ID)
		head.Content += "\n" + part.Content
		if len(part.ReplyChain) > 0 {
			head.ReplyChain = part.ReplyChain
		}
		if len(part.Attachments) > 0 {
			head.Attachments = append(head.Attachments, part.Attachments...)
		}
		if part.Tier != "" {
			head.Tier = part.Tier
		}
		for k, v := range part.Metadata {
			if head.Metadata == nil {
				head.Metadata = make(map[string]string)
			}
			head.Metadata[k] = v
		}
		head.IsBatchable = head.IsBatchable && part.IsBatchable
	}
	return &head, absorbed
}

// cancelChannel drops any pending burst for the channel, returning the
// IDs that were held (first frame ID plus absorbed).
func (d *debouncer) cancelChannel(channelID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	burst, ok := d.pending[channelID]
	if !ok {
		return nil
	}
	burst.timer.Stop()
	delete(d.pending, channelID)
	ids := make([]string, 0, len(burst.parts))
	for _, part := range burst.parts {
		ids = append(ids, part.ID)
	}
	return ids
}

// cancelRequest removes a single message from its pending burst. The
// rest of the burst stays held; if the head was removed, the next part
// becomes the head at flush. Removing the last part drops the burst.
func (d *debouncer) cancelRequest(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, burst := range d.pending {
		for i, part := range burst.parts {
			if part.ID != requestID {
				continue
			}
			burst.parts = append(burst.parts[:i], burst.parts[i+1:]...)
			if len(burst.parts) == 0 {
				burst.timer.Stop()
				delete(d.pending, key)
			}
			return true
		}
	}
	return false
}

func (d *debouncer) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *debouncer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, burst := range d.pending {
		burst.timer.Stop()
		delete(d.pending, key)
	}
}
