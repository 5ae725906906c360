package skifflib

import (
	"sync"
)

var _ ConnStateHandler = (*Registry)(nil)

// Registry tracks open connections by identity. Install it as a Conn's
// ConnState handler; Next, if set, sees every state change after the
// registry has applied it.
type Registry struct {
	sync.Mutex

	Next ConnStateHandler

	conns map[string]*Conn
}

func NewRegistry(next ConnStateHandler) *Registry {
	return &Registry{
		Next:  next,
		conns: make(map[string]*Conn),
	}
}

// Implement HandleConnState function for ConnStateHandler interface
func (r *Registry) HandleConnState(conn *Conn, state ConnState) {
	switch state {
	case StateNew:
		if prev := r.register(conn); prev != nil {
			_ = prev.CloseWithError(ErrReplaced)
		}
	case StateClosed:
		r.deregister(conn)
	}

	if r.Next != nil {
		r.Next.HandleConnState(conn, state)
	}
}

// register maps conn's identity to conn and returns the connection it
// displaced, if any.
func (r *Registry) register(conn *Conn) *Conn {
	r.Lock()
	defer r.Unlock()

	if r.conns == nil {
		r.conns = make(map[string]*Conn)
	}

	prev, exists := r.conns[conn.Identity()]
	r.conns[conn.Identity()] = conn

	if !exists || prev == conn {
		return nil
	}
	return prev
}

func (r *Registry) deregister(conn *Conn) {
	r.Lock()
	defer r.Unlock()

	if r.conns[conn.Identity()] == conn {
		delete(r.conns, conn.Identity())
	}
}

func (r *Registry) Get(identity string) (*Conn, bool) {
	r.Lock()
	defer r.Unlock()

	conn, exists := r.conns[identity]
	return conn, exists
}

func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.conns)
}

// Range calls fn for a snapshot of the registered connections until fn
// returns false.
func (r *Registry) Range(fn func(conn *Conn) bool) {
	for _, conn := range r.snapshot() {
		if !fn(conn) {
			return
		}
	}
}

func (r *Registry) CloseAll() {
	for _, conn := range r.snapshot() {
		_ = conn.Close()
	}
}

func (r *Registry) snapshot() []*Conn {
	r.Lock()
	defer r.Unlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
