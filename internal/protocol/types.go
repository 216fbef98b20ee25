// Package protocol defines the wire protocol spoken between the Clara
// gateway and its platform adapters.
//
// Every frame is a JSON object carrying a "type" discriminator. Adapters
// originate REGISTER, PING, MESSAGE, CANCEL, and STATUS frames; the gateway
// answers with REGISTERED, PONG, the RESPONSE_* streaming family, TOOL_*,
// CANCELLED, ERROR, STATUS, and out-of-band PROACTIVE_MESSAGE frames.
//
// A request lives from its MESSAGE frame until exactly one of RESPONSE_END,
// CANCELLED, or ERROR is sent for its request ID.
package protocol

import "time"

// MessageType discriminates the wire tagged union.
type MessageType string

const (
	// Adapter -> gateway.
	TypeRegister   MessageType = "REGISTER"
	TypeUnregister MessageType = "UNREGISTER"
	TypePing       MessageType = "PING"
	TypeMessage    MessageType = "MESSAGE"
	TypeCancel     MessageType = "CANCEL"

	// Gateway -> adapter.
	TypeRegistered    MessageType = "REGISTERED"
	TypePong          MessageType = "PONG"
	TypeResponseStart MessageType = "RESPONSE_START"
	TypeResponseChunk MessageType = "RESPONSE_CHUNK"
	TypeResponseEnd   MessageType = "RESPONSE_END"
	TypeToolStart     MessageType = "TOOL_START"
	TypeToolResult    MessageType = "TOOL_RESULT"
	TypeCancelled     MessageType = "CANCELLED"
	TypeError         MessageType = "ERROR"
	TypeProactive     MessageType = "PROACTIVE_MESSAGE"

	// Either direction.
	TypeStatus MessageType = "STATUS"
)

// Capability is a feature a connected adapter supports.
type Capability string

const (
	CapStreaming   Capability = "streaming"
	CapAttachments Capability = "attachments"
	CapReactions   Capability = "reactions"
	CapEmbeds      Capability = "embeds"
	CapThreads     Capability = "threads"
	CapEditing     Capability = "editing"
	CapButtons     Capability = "buttons"
	CapCards       Capability = "cards"
)

// Envelope carries the fields shared by every frame.
type Envelope struct {
	// Type is the frame discriminator.
	Type MessageType `json:"type"`

	// ID uniquely identifies this frame.
	ID string `json:"id,omitempty"`

	// RequestID correlates the frame to a logical request.
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is when the frame was produced.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Register announces an adapter to the gateway. NodeID is adapter-chosen
// and platform-prefixed ("discord-main", "cli-1"). SessionID, when set,
// requests reconnection to a preserved session.
type Register struct {
	Envelope
	NodeID       string       `json:"node_id"`
	Platform     string       `json:"platform"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Secret       string       `json:"secret,omitempty"`
}

// Registered acknowledges a REGISTER with the assigned session ID.
type Registered struct {
	Envelope
	SessionID      string `json:"session_id"`
	IsReconnection bool   `json:"is_reconnection"`
}

// Unregister asks the gateway to fully forget the node, including its
// preserved session binding.
type Unregister struct {
	Envelope
	NodeID string `json:"node_id"`
}

// Ping is the application-level heartbeat from an adapter.
type Ping struct {
	Envelope
}

// Pong answers a Ping.
type Pong struct {
	Envelope
}

// UserInfo identifies the platform user behind a message.
type UserInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
}

// ChannelType classifies a conversation scope.
type ChannelType string

const (
	ChannelDM     ChannelType = "dm"
	ChannelServer ChannelType = "server"
	ChannelGroup  ChannelType = "group"
)

// ChannelInfo identifies the conversation scope of a message.
type ChannelInfo struct {
	ID   string      `json:"id"`
	Type ChannelType `json:"type"`
	Name string      `json:"name,omitempty"`
}

// Attachment is a file or image carried with a message. Data is base64.
type Attachment struct {
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// ReplyRef is one entry in a reply chain, oldest first.
type ReplyRef struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// UserMessage is an inbound user message to be routed and processed.
// The frame ID doubles as the request ID for the whole response stream.
type UserMessage struct {
	Envelope
	User        UserInfo          `json:"user"`
	Channel     ChannelInfo       `json:"channel"`
	Content     string            `json:"content"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyChain  []ReplyRef        `json:"reply_chain,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// IsMention marks direct mentions and DMs, which bypass debouncing.
	IsMention bool `json:"is_mention,omitempty"`

	// IsBatchable marks active-listening messages that may be coalesced
	// with adjacent queued peers on dequeue.
	IsBatchable bool `json:"is_batchable,omitempty"`
}

// ResponseStart opens the response stream for a request.
type ResponseStart struct {
	Envelope
}

// ResponseChunk carries one streamed text increment plus the accumulated
// text so far, so adapters without local buffering can re-render edits.
type ResponseChunk struct {
	Envelope
	Chunk       string `json:"chunk"`
	Accumulated string `json:"accumulated,omitempty"`
}

// ResponseFile is a file produced during processing, base64-encoded.
type ResponseFile struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data"`
}

// ResponseEnd terminates a successful response stream.
type ResponseEnd struct {
	Envelope
	Text      string         `json:"text"`
	ToolCount int            `json:"tool_count"`
	Files     []ResponseFile `json:"files,omitempty"`
}

// ToolStart is emitted when the orchestrator begins a tool call.
type ToolStart struct {
	Envelope
	ToolName  string         `json:"tool_name"`
	Step      int            `json:"step"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult reports the outcome of a tool call.
type ToolResult struct {
	Envelope
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Preview  string `json:"preview,omitempty"`
}

// Cancel requests cooperative cancellation of a request.
type Cancel struct {
	Envelope
}

// Cancelled confirms a request was cancelled. Terminal.
type Cancelled struct {
	Envelope
}

// ErrorCode classifies wire-level errors. See the error taxonomy in the
// package errors file.
type ErrorCode string

// Error reports a failure to the adapter. Terminal when RequestID is set.
type Error struct {
	Envelope
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// Status reports gateway load, or requests it when adapter-originated.
type Status struct {
	Envelope
	ActiveCount   int     `json:"active_count"`
	QueueLength   int     `json:"queue_length"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

// Proactive is a gateway-initiated message, not in response to any
// inbound frame. Delivered to all nodes of the target platform.
type Proactive struct {
	Envelope
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Purpose   string `json:"purpose,omitempty"`
}
