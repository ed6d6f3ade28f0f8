package registry

import (
	"sort"
	"sync"

	"github.com/anatoly-dev/go-chat-gateway/pkg/models"
)

// Conn is a live real-time session as seen by the chat core.
type Conn interface {
	// ID is unique per transport session.
	ID() string
	Send(event *models.Event) error
	Close() error
	// Reject closes a connection whose handshake was refused.
	Reject(reason string) error
}

// Registry maps user identifiers to their current connection and keeps the
// set of every live connection, including superseded ones.
type Registry struct {
	mutex  sync.RWMutex
	byUser map[string]Conn
	live   map[string]Conn
}

func New() *Registry {
	return &Registry{
		byUser: make(map[string]Conn),
		live:   make(map[string]Conn),
	}
}

// Register stores conn under userID, overwriting any previous handle. The
// previous handle is not closed. It reports whether one was replaced.
func (r *Registry) Register(userID string, conn Conn) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	prev, replaced := r.byUser[userID]
	r.byUser[userID] = conn
	return replaced && prev.ID() != conn.ID()
}

// Unregister removes userID only while conn is still the handle on record.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, ok := r.byUser[userID]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(r.byUser, userID)
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}

// AllUserIDs returns the registered identifiers, sorted.
func (r *Registry) AllUserIDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Attach(conn Conn) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.live[conn.ID()] = conn
}

func (r *Registry) Detach(conn Conn) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.live, conn.ID())
}

// Connections returns every attached connection.
func (r *Registry) Connections() []Conn {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	conns := make([]Conn, 0, len(r.live))
	for _, conn := range r.live {
		conns = append(conns, conn)
	}
	return conns
}

// Len is the number of attached connections.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.live)
}

// Online is the number of registered user identifiers.
func (r *Registry) Online() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.byUser)
}
