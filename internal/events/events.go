// Package events provides the gateway's pub/sub event bus.
//
// Components emit typed Events; handlers register per event type or with
// the "*" wildcard. Dispatch is concurrent with panic isolation: one
// failing handler never prevents the others from running. A bounded ring
// buffer retains recent events for inspection.
package events

import "time"

// Type identifies the category of a gateway event.
type Type string

const (
	// Adapter lifecycle.
	EventAdapterConnected    Type = "adapter.connected"
	EventAdapterDisconnected Type = "adapter.disconnected"

	// Message flow.
	EventMessageReceived Type = "message.received"
	EventMessageSent     Type = "message.sent"

	// Request processing.
	EventRequestQueued    Type = "request.queued"
	EventRequestActive    Type = "request.active"
	EventRequestCompleted Type = "request.completed"
	EventRequestCancelled Type = "request.cancelled"
	EventRequestFailed    Type = "request.failed"

	// Tool use.
	EventToolCalled    Type = "tool.called"
	EventToolCompleted Type = "tool.completed"

	// Supervisor.
	EventAdapterProcessStarted Type = "adapter_process.started"
	EventAdapterProcessExited  Type = "adapter_process.exited"
	EventAdapterProcessFailed  Type = "adapter_process.failed"

	// Scheduler.
	EventScheduledTaskRun   Type = "scheduled_task.run"
	EventScheduledTaskError Type = "scheduled_task.error"

	// Gateway lifecycle.
	EventGatewayStartup  Type = "gateway.startup"
	EventGatewayShutdown Type = "gateway.shutdown"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Event is a typed record of something that happened in the gateway.
// Correlation fields are optional and filled where known.
type Event struct {
	// Type is the event category; custom strings are permitted.
	Type Type `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data carries event-specific payload.
	Data map[string]any `json:"data,omitempty"`

	// Correlation fields.
	NodeID    string `json:"node_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// New creates an event with the timestamp set.
func New(t Type) *Event {
	return &Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      make(map[string]any),
	}
}

// WithData adds a payload entry.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// WithNode sets node correlation fields.
func (e *Event) WithNode(nodeID, platform string) *Event {
	e.NodeID = nodeID
	e.Platform = platform
	return e
}

// WithRequest sets request correlation fields.
func (e *Event) WithRequest(requestID, userID, channelID string) *Event {
	e.RequestID = requestID
	e.UserID = userID
	e.ChannelID = channelID
	return e
}
