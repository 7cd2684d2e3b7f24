package gateway

import (
	"hash/fnv"
	"sync"

	"github.com/gorilla/websocket"
)

// conn is one live websocket connection of one device.
type conn struct {
	id        string
	principal string
	device    string
	sessionID string // echo matching only, never authorization

	ws      *websocket.Conn
	send    chan []byte   // consumed by the single writer goroutine, never closed
	closing chan struct{} // closed once on teardown; stops the writer

	mu     sync.Mutex
	closed bool
	scopes map[string]struct{} // joined entity/project rooms
}

// close marks the conn dead and wakes the writer. Idempotent: fanout
// workers may still hold a stale snapshot of the conn after removal.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closing)
}

func (c *conn) join(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[scope] = struct{}{}
}

func (c *conn) leave(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, scope)
}

func (c *conn) inScope(scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.scopes[scope]
	return ok
}

// enqueue is non-blocking; a slow client drops frames and self-heals via
// pull, it never stalls the broadcast path. A closed conn drops too;
// the send channel is never closed, so late writers cannot panic.
func (c *conn) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

const shardCount = 16

// Registry indexes live connections, sharded by principal so one noisy
// tenant's churn does not contend with the rest. Connections mutate only
// their own principal's room membership.
type Registry struct {
	shards [shardCount]*regShard
}

type regShard struct {
	mu          sync.RWMutex
	byPrincipal map[string]map[string]*conn // principal -> conn_id -> conn
	byID        map[string]*conn
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &regShard{
			byPrincipal: make(map[string]map[string]*conn),
			byID:        make(map[string]*conn),
		}
	}
	return r
}

func (r *Registry) shardFor(principal string) *regShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(principal))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) add(c *conn) {
	s := r.shardFor(c.principal)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byPrincipal[c.principal]
	if m == nil {
		m = make(map[string]*conn)
		s.byPrincipal[c.principal] = m
	}
	m[c.id] = c
	s.byID[c.id] = c
}

func (r *Registry) remove(c *conn) {
	s := r.shardFor(c.principal)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byPrincipal[c.principal]; m != nil {
		delete(m, c.id)
		if len(m) == 0 {
			delete(s.byPrincipal, c.principal)
		}
	}
	delete(s.byID, c.id)
}

// listPrincipal snapshots the principal's room.
func (r *Registry) listPrincipal(principal string) []*conn {
	s := r.shardFor(principal)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byPrincipal[principal]
	if len(m) == 0 {
		return nil
	}
	out := make([]*conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// listScope collects connections of any principal that joined the scope
// room (shared entities cross principal boundaries).
func (r *Registry) listScope(scope string) []*conn {
	var out []*conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, c := range s.byID {
			if c.inScope(scope) {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// deviceLive reports whether the device has a live local connection.
func (r *Registry) deviceLive(principal, device string) bool {
	s := r.shardFor(principal)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byPrincipal[principal] {
		if c.device == device {
			return true
		}
	}
	return false
}

// size is for status/debugging only.
func (r *Registry) size() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.byID)
		s.mu.RUnlock()
	}
	return n
}
