package scep

import (
	"container/list"
	"sync"
)

// DefaultNonceCapacity bounds a registry created with a non-positive capacity.
const DefaultNonceCapacity = 1024

// NonceRegistry remembers accepted nonces up to a fixed capacity, evicting
// the oldest first. It is safe for concurrent use.
type NonceRegistry struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

// NewNonceRegistry returns an empty registry holding at most capacity nonces.
func NewNonceRegistry(capacity int) *NonceRegistry {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &NonceRegistry{
		capacity: capacity,
		order:    list.New(),
		seen:     make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether n is currently retained.
func (r *NonceRegistry) Contains(n Nonce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[string(n)]
	return ok
}

// Add records n. Adding a retained nonce is a no-op.
func (r *NonceRegistry) Add(n Nonce) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(n)
}

// CheckAndAdd records n and reports true, or reports false if n was already
// retained. The check and the insert are atomic.
func (r *NonceRegistry) CheckAndAdd(n Nonce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[string(n)]; ok {
		return false
	}
	r.addLocked(n)
	return true
}

// Len returns the number of retained nonces.
func (r *NonceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

func (r *NonceRegistry) addLocked(n Nonce) {
	key := string(n)
	if _, ok := r.seen[key]; ok {
		return
	}
	for r.order.Len() >= r.capacity {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.seen, oldest.Value.(string))
	}
	r.seen[key] = r.order.PushBack(key)
}
