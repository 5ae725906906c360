package skifflib

import (
	"sync"
)

var _ Engine = (*fakeEngine)(nil)

// fakeEngine hands every input datagram back as one delivered chunk and
// records what the connection sends.
type fakeEngine struct {
	mu sync.Mutex

	accept   func(p []byte) int // bytes accepted per Send, all if nil
	sent     []byte
	calls    [][]byte // copy of every buffer passed to Send
	pending  [][]byte
	inputErr error
	interval uint32

	updates  int
	released int
	onUpdate func()
	onInput  func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{interval: 3600 * 1000}
}

func (e *fakeEngine) Input(datagram []byte) error {
	e.mu.Lock()
	fn := e.onInput
	e.mu.Unlock()
	if fn != nil {
		fn()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inputErr != nil {
		return e.inputErr
	}
	if len(datagram) > 0 {
		e.pending = append(e.pending, append([]byte(nil), datagram...))
	}
	return nil
}

func (e *fakeEngine) Recv() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return nil
	}
	p := e.pending[0]
	e.pending = e.pending[1:]
	return p
}

func (e *fakeEngine) Send(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, append([]byte(nil), p...))

	n := len(p)
	if e.accept != nil {
		n = e.accept(p)
	}
	if n > len(p) {
		n = len(p)
	}
	if n > 0 {
		e.sent = append(e.sent, p[:n]...)
	}
	return n
}

func (e *fakeEngine) Update(nowMs uint32) {
	e.mu.Lock()
	e.updates++
	fn := e.onUpdate
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (e *fakeEngine) Check(nowMs uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return nowMs + e.interval
}

func (e *fakeEngine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released++
}

func (e *fakeEngine) deliver(chunks ...[]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, chunks...)
}

func (e *fakeEngine) setAccept(fn func(p []byte) int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accept = fn
}

func (e *fakeEngine) sentBytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.sent...)
}

func (e *fakeEngine) sendCalls() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.calls...)
}

func (e *fakeEngine) updateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updates
}

func (e *fakeEngine) releaseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// stateRecorder collects ConnState notifications in order.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) HandleConnState(conn *Conn, state ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) get() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnState(nil), r.states...)
}

func (r *stateRecorder) count(state ConnState) int {
	n := 0
	for _, s := range r.get() {
		if s == state {
			n++
		}
	}
	return n
}

// frameRecorder collects dispatched frame bodies in order.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) HandleMessage(ctx *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), ctx.Body()...))
	return nil
}

func (r *frameRecorder) get() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}
