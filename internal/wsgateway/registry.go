package wsgateway

import (
	"sort"
	"sync"

	"github.com/impactlink/realtime-gateway/internal/models"
)

// PresenceFunc observes a user's first-connection and last-disconnection
// transitions. The registry calls it while holding its write lock, so calls
// arrive in the same order the maps changed and must not block.
type PresenceFunc func(userID string, status models.PresenceStatus)

// ConnectionRegistry manages all active WebSocket connections
type ConnectionRegistry struct {
	connections map[string]*Connection            // connection_id -> connection
	byUser      map[string]map[string]*Connection // user_id -> connection_id -> connection
	onPresence  PresenceFunc
	mu          sync.RWMutex
}

// NewConnectionRegistry creates a new connection registry. onPresence may be nil.
func NewConnectionRegistry(onPresence PresenceFunc) *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]*Connection),
		byUser:      make(map[string]map[string]*Connection),
		onPresence:  onPresence,
	}
}

// Add inserts conn into both maps and reports whether it is the user's first
// open connection.
func (r *ConnectionRegistry) Add(conn *Connection) bool {
	first, _ := r.TryAdd(conn, 0)
	return first
}

// TryAdd is Add bounded by limit total connections; limit <= 0 means no
// bound. The count check and the insert happen under one lock.
func (r *ConnectionRegistry) TryAdd(conn *Connection, limit int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.connections) >= limit {
		return false, ErrTooManyConnections
	}
	r.connections[conn.ID] = conn

	userConns, exists := r.byUser[conn.UserID]
	if !exists {
		userConns = make(map[string]*Connection)
		r.byUser[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn

	first := !exists
	if first && r.onPresence != nil {
		r.onPresence(conn.UserID, models.PresenceOnline)
	}
	return first, nil
}

// Remove deletes a connection of userID from both maps. It returns the removed
// connection, or nil when it was not registered to that user, and whether it was
// the user's last one.
func (r *ConnectionRegistry) Remove(connectionID, userID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connectionID]
	if !exists || conn.UserID != userID {
		return nil, false
	}

	delete(r.connections, connectionID)

	last := false
	if userConns, exists := r.byUser[conn.UserID]; exists {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
			last = true
		}
	}

	if last && r.onPresence != nil {
		r.onPresence(conn.UserID, models.PresenceOffline)
	}
	return conn, last
}

// Get retrieves a connection by ID
func (r *ConnectionRegistry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.connections[connectionID]
	return conn, exists
}

// GetByUser retrieves all connections for a user
func (r *ConnectionRegistry) GetByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns, exists := r.byUser[userID]
	if !exists {
		return nil
	}

	connections := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		connections = append(connections, conn)
	}
	return connections
}

// GetAll retrieves all connections
func (r *ConnectionRegistry) GetAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	return connections
}

// Count returns the total number of connections
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountByUser returns the number of connections for a user
func (r *ConnectionRegistry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// IsOnline reports whether the user has at least one open connection
func (r *ConnectionRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Users returns the sorted IDs of users with open connections
func (r *ConnectionRegistry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Snapshot returns user_id -> sorted connection IDs, read under one lock
func (r *ConnectionRegistry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.byUser))
	for userID, conns := range r.byUser {
		ids := make([]string, 0, len(conns))
		for id := range conns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[userID] = ids
	}
	return out
}
