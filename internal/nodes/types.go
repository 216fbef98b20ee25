// Package nodes tracks connected adapter nodes and their sessions.
//
// A node is one connected adapter instance (Discord bridge, CLI shell,
// Teams bot). Its node ID is adapter-chosen and platform-prefixed
// ("discord-main", "cli-1"); its session ID is minted by the gateway on
// first registration and survives reconnects.
//
// Lifecycle:
//
//	REGISTER ──▶ active ──socket close──▶ preserved ──window expires──▶ gone
//	                ▲                        │
//	                └── REGISTER w/ prior ───┘  (reconnection)
//
// An explicit UNREGISTER removes the node and its preserved binding
// immediately.
package nodes

import (
	"time"

	"github.com/clara-ai/clara/internal/protocol"
)

// Sender is the registry's view of a connection: enough to push frames
// and to key node records by socket. The gateway's connection wrapper
// implements it.
type Sender interface {
	// Send queues a frame for delivery. Errors mean the socket is dead.
	Send(msg protocol.Message) error
}

// Node is one registered adapter connection.
type Node struct {
	// NodeID is the adapter-chosen, platform-prefixed identifier.
	NodeID string

	// SessionID is the gateway-assigned persistent identity.
	SessionID string

	// Platform tags which chat platform the adapter serves.
	Platform string

	// Capabilities declared at registration.
	Capabilities []protocol.Capability

	// ConnectedAt is when the current socket registered.
	ConnectedAt time.Time

	// LastPing is the most recent application-level PING.
	LastPing time.Time

	// Conn is the owning socket.
	Conn Sender
}

// HasCapability reports whether the node declared cap.
func (n *Node) HasCapability(cap protocol.Capability) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

func toCapabilities(raw []string) []protocol.Capability {
	caps := make([]protocol.Capability, 0, len(raw))
	for _, s := range raw {
		caps = append(caps, protocol.Capability(s))
	}
	return caps
}

// preservedSession keeps the session -> node binding across a socket
// loss, for the reconnection window.
type preservedSession struct {
	nodeID    string
	platform  string
	expiresAt time.Time
}
