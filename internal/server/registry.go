package server

import "sync"

// registry is the concurrent-safe table of logical connection id to its
// owned target connection. Entries are inserted when a START dial
// succeeds and removed exactly once on close; ids are never reused.
type registry struct {
	mu    sync.Mutex
	conns map[string]*remoteConn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*remoteConn)}
}

// Insert registers an established connection under its id.
func (r *registry) Insert(rc *remoteConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[rc.id] = rc
}

// Lookup returns the connection for an id, if present.
func (r *registry) Lookup(id string) (*remoteConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.conns[id]
	return rc, ok
}

// Remove deletes an entry, reporting whether it was present. The first
// remover wins; later calls are no-ops.
func (r *registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Drain empties the registry and returns every owned connection.
func (r *registry) Drain() []*remoteConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*remoteConn, 0, len(r.conns))
	for id, rc := range r.conns {
		out = append(out, rc)
		delete(r.conns, id)
	}
	return out
}

// Len reports the number of live connections.
func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
