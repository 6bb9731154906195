package broadcast

import (
	"sync"

	"github.com/c360/replicant/storage"
)

// Subscription is one connection's interest in one replicant key. The
// last-seen fields track what the connection most recently received, for
// diagnostics and client resync decisions.
type Subscription struct {
	ConnectionID     string
	Namespace        string
	Name             string
	LastSeenRevision uint64
	LastSeenChecksum string

	// synced flips once the full-sync snapshot has been delivered. Change
	// fan-out skips unsynced subscriptions: anything committed before the
	// snapshot read is already in the snapshot.
	synced bool
}

// Registry tracks which connections are subscribed to which keys. It is
// indexed both ways so fan-out per key and disconnect cleanup per
// connection are each proportional to their own entry count.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]map[string]*Subscription // key → connID → sub
	byConn map[string]map[string]*Subscription // connID → key → sub
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]map[string]*Subscription),
		byConn: make(map[string]map[string]*Subscription),
	}
}

// Add registers interest. Returns the subscription and whether it is the
// first subscriber for this key.
func (r *Registry) Add(connID, namespace, name string) (*Subscription, bool) {
	key := storage.Key(namespace, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.byKey[key][connID]; ok {
		return sub, false
	}

	sub := &Subscription{
		ConnectionID: connID,
		Namespace:    namespace,
		Name:         name,
	}

	first := len(r.byKey[key]) == 0
	if r.byKey[key] == nil {
		r.byKey[key] = make(map[string]*Subscription)
	}
	r.byKey[key][connID] = sub

	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]*Subscription)
	}
	r.byConn[connID][key] = sub

	return sub, first
}

// Remove drops one interest entry. Returns whether the key now has no
// subscribers left.
func (r *Registry) Remove(connID, namespace, name string) bool {
	key := storage.Key(namespace, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remove(connID, key)
}

// RemoveConnection drops every subscription held by a connection. Returns
// the subscriptions whose keys now have no subscribers left.
func (r *Registry) RemoveConnection(connID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []*Subscription
	for key, sub := range r.byConn[connID] {
		if r.remove(connID, key) {
			emptied = append(emptied, sub)
		}
	}
	return emptied
}

// remove assumes the lock is held.
func (r *Registry) remove(connID, key string) bool {
	subs, ok := r.byKey[key]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}

	delete(subs, connID)
	if conns := r.byConn[connID]; conns != nil {
		delete(conns, key)
		if len(conns) == 0 {
			delete(r.byConn, connID)
		}
	}

	if len(subs) == 0 {
		delete(r.byKey, key)
		return true
	}
	return false
}

// Subscribers returns the current subscriptions for one key.
func (r *Registry) Subscribers(namespace, name string) []*Subscription {
	key := storage.Key(namespace, name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Subscription, 0, len(r.byKey[key]))
	for _, sub := range r.byKey[key] {
		subs = append(subs, sub)
	}
	return subs
}

// SyncedSubscribers returns the subscriptions for one key that have
// already received their full-sync snapshot.
func (r *Registry) SyncedSubscribers(namespace, name string) []*Subscription {
	key := storage.Key(namespace, name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Subscription, 0, len(r.byKey[key]))
	for _, sub := range r.byKey[key] {
		if sub.synced {
			subs = append(subs, sub)
		}
	}
	return subs
}

// MarkSynced records that the full-sync snapshot reached the connection.
func (r *Registry) MarkSynced(sub *Subscription) {
	r.mu.Lock()
	sub.synced = true
	r.mu.Unlock()
}

// ConnectionCount returns how many keys a connection is subscribed to.
func (r *Registry) ConnectionCount(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[connID])
}

// KeyCount returns how many connections are subscribed to a key.
func (r *Registry) KeyCount(namespace, name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[storage.Key(namespace, name)])
}

// MarkSeen records what a connection last received for a key.
func (r *Registry) MarkSeen(sub *Subscription, revision uint64, checksum string) {
	r.mu.Lock()
	sub.LastSeenRevision = revision
	sub.LastSeenChecksum = checksum
	r.mu.Unlock()
}
