package nodes

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotRegistered indicates no node is bound to the connection.
	ErrNotRegistered = errors.New("connection not registered")
)

// RegistryConfig configures the node registry.
type RegistryConfig struct {
	// PreserveWindow is how long a session binding outlives its socket.
	// Default: 1 hour.
	PreserveWindow time.Duration

	// SweepInterval is how often expired preserved sessions are purged.
	// Default: 1 minute. Zero disables the background sweep (tests).
	SweepInterval time.Duration
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PreserveWindow: time.Hour,
		SweepInterval:  time.Minute,
	}
}

// Registry owns all node connection records. All mutation happens under
// one mutex; the gateway holds only the socket, never node state.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[Sender]*Node
	byNodeID  map[string]*Node
	preserved map[string]preservedSession // session_id -> binding
	config    RegistryConfig
	logger    *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once

	now func() time.Time // test seam
}

// NewRegistry creates a node registry and starts its preserved-session
// sweeper when configured.
func NewRegistry(config RegistryConfig, logger *slog.Logger) *Registry {
	if config.PreserveWindow <= 0 {
		config.PreserveWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byConn:    make(map[Sender]*Node),
		byNodeID:  make(map[string]*Node),
		preserved: make(map[string]preservedSession),
		config:    config,
		logger:    logger.With("component", "nodes"),
		stopSweep: make(chan struct{}),
		now:       time.Now,
	}
	if config.SweepInterval > 0 {
		go r.sweepLoop()
	}
	return r
}

// Register binds a connection to a node identity.
//
// When priorSessionID names a preserved (or still-active) session, the
// new socket takes over that session and isReconnection is true. Any
// existing record for the same node ID is discarded; last write wins.
func (r *Registry) Register(conn Sender, nodeID, platform string, capabilities []string, priorSessionID string) (sessionID string, isReconnection bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if priorSessionID != "" {
		if p, ok := r.preserved[priorSessionID]; ok && now.Before(p.expiresAt) {
			delete(r.preserved, priorSessionID)
			sessionID = priorSessionID
			isReconnection = true
		} else if old, ok := r.byNodeID[nodeID]; ok && old.SessionID == priorSessionID {
			// Reconnect raced the old socket's close; take over.
			sessionID = priorSessionID
			isReconnection = true
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Displace any stale record for this node ID.
	if old, ok := r.byNodeID[nodeID]; ok {
		delete(r.byConn, old.Conn)
	}

	node := &Node{
		NodeID:       nodeID,
		SessionID:    sessionID,
		Platform:     platform,
		Capabilities: toCapabilities(capabilities),
		ConnectedAt:  now,
		LastPing:     now,
		Conn:         conn,
	}
	r.byConn[conn] = node
	r.byNodeID[nodeID] = node

	r.logger.Info("node registered",
		"node_id", nodeID,
		"platform", platform,
		"session_id", sessionID,
		"reconnection", isReconnection)

	return sessionID, isReconnection
}

// Unregister handles a socket close: the node leaves the active tables
// but its session binding is preserved for the reconnection window.
// Returns the node that was bound, or nil.
func (r *Registry) Unregister(conn Sender) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.byConn[conn]
	if !ok {
		return nil
	}
	delete(r.byConn, conn)
	if current, ok := r.byNodeID[node.NodeID]; ok && current == node {
		delete(r.byNodeID, node.NodeID)
	}

	r.preserved[node.SessionID] = preservedSession{
		nodeID:    node.NodeID,
		platform:  node.Platform,
		expiresAt: r.now().Add(r.config.PreserveWindow),
	}

	r.logger.Info("node disconnected, session preserved",
		"node_id", node.NodeID,
		"session_id", node.SessionID,
		"window", r.config.PreserveWindow)

	return node
}

// Forget removes a node and its preserved session entirely, for an
// explicit UNREGISTER.
func (r *Registry) Forget(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.byNodeID[nodeID]; ok {
		delete(r.byConn, node.Conn)
		delete(r.byNodeID, nodeID)
		delete(r.preserved, node.SessionID)
	}
	// The node may already be preserved-only.
	for sid, p := range r.preserved {
		if p.nodeID == nodeID {
			delete(r.preserved, sid)
		}
	}

	r.logger.Info("node forgotten", "node_id", nodeID)
}

// UpdatePing refreshes the last-ping timestamp for a connection.
func (r *Registry) UpdatePing(conn Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.byConn[conn]
	if !ok {
		return ErrNotRegistered
	}
	node.LastPing = r.now()
	return nil
}

// Lookup returns the node bound to a connection.
func (r *Registry) Lookup(conn Sender) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.byConn[conn]
	return node, ok
}

// ByPlatform returns all nodes registered for a platform.
func (r *Registry) ByPlatform(platform string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, node := range r.byConn {
		if node.Platform == platform {
			out = append(out, node)
		}
	}
	return out
}

// Count returns the number of active nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// PreservedCount returns the number of preserved sessions (for status).
func (r *Registry) PreservedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.preserved)
}

// Close stops the background sweeper.
func (r *Registry) Close() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepPreserved()
		}
	}
}

func (r *Registry) sweepPreserved() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for sid, p := range r.preserved {
		if now.After(p.expiresAt) {
			delete(r.preserved, sid)
			r.logger.Debug("preserved session expired",
				"session_id", sid, "node_id", p.nodeID)
		}
	}
}
