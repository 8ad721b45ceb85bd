package peer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPeerExists indicates a registry entry with the same id already exists.
var ErrPeerExists = errors.New("peer already registered")

// ErrPeerNotFound indicates no registry entry exists for the peer id.
var ErrPeerNotFound = errors.New("peer not found")

// Registry is the authoritative set of currently connected peers, keyed by
// peer id. It is the sole owner of the Connections it holds; callbacks from
// the transport race with application calls, so every access goes through one
// mutex.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	peers  map[string]*Connection
}

// NewRegistry creates an empty peer registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		peers:  make(map[string]*Connection),
	}
}

// Add registers a connection. It fails if the peer id is already taken or if
// another entry is backed by the same underlying transport.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, exists := r.peers[id]; exists {
		return fmt.Errorf("%w: %s", ErrPeerExists, id)
	}
	for existingID, existing := range r.peers {
		if existing.Transport() == conn.Transport() {
			return fmt.Errorf("%w: %s shares a transport with %s", ErrPeerExists, id, existingID)
		}
	}

	r.peers[id] = conn
	r.logger.Debug("Peer registered",
		zap.String("peer_id", id),
		zap.String("display_name", conn.DisplayName()))
	return nil
}

// Get looks up a connection by peer id.
func (r *Registry) Get(peerID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.peers[peerID]
	return conn, ok
}

// List returns a snapshot of all registered connections.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.peers))
	for _, conn := range r.peers {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Remove drops a peer from the registry and returns its connection, or nil if
// it was not registered. The connection is not closed; ownership passes to
// the caller.
func (r *Registry) Remove(peerID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[peerID]
	if !ok {
		return nil
	}
	delete(r.peers, peerID)
	r.logger.Debug("Peer removed", zap.String("peer_id", peerID))
	return conn
}

// Rekey promotes an entry from a placeholder identity to the peer's real id
// and display name, keeping the same underlying transport. Used when the
// initiator learns the responder's identity from the answer descriptor.
func (r *Registry) Rekey(oldID, newID, displayName string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[oldID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, oldID)
	}
	if _, taken := r.peers[newID]; taken && newID != oldID {
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, newID)
	}

	delete(r.peers, oldID)
	conn.SetIdentity(newID, displayName)
	r.peers[newID] = conn

	r.logger.Debug("Peer rekeyed",
		zap.String("old_id", oldID),
		zap.String("new_id", newID),
		zap.String("display_name", displayName))
	return conn, nil
}

// DisconnectAll closes every owned channel and transport before clearing
// state, so no transport resources leak. It returns the connections that were
// closed.
func (r *Registry) DisconnectAll() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make([]*Connection, 0, len(r.peers))
	for peerID, conn := range r.peers {
		if err := conn.Close(); err != nil {
			r.logger.Error("Failed to close peer connection",
				zap.String("peer_id", peerID),
				zap.Error(err))
		}
		closed = append(closed, conn)
	}
	r.peers = make(map[string]*Connection)
	return closed
}
