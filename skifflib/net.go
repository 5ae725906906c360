package skifflib

// Engine is the reliable transport (ARQ) state machine driving one peer
// session. Implementations emit outbound datagrams through an output
// callback bound at construction.
//
// Input must not retain datagram and Send must copy the bytes it accepts;
// the caller reuses both buffers afterwards.
// Recv returns nil once no complete message is pending. Times are
// milliseconds on the caller's clock.
type Engine interface {
	Input(datagram []byte) error
	Recv() []byte
	Send(p []byte) int
	Update(nowMs uint32)
	Check(nowMs uint32) uint32
	Release()
}

type ConnState int

const (
	StateNew ConnState = iota
	StateTimeout
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateTimeout:
		return "timeout"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type ConnStateHandler interface {
	HandleConnState(conn *Conn, state ConnState)
}

type ConnStateHandlerFunc func(conn *Conn, state ConnState)

func (fn ConnStateHandlerFunc) HandleConnState(conn *Conn, state ConnState) { fn(conn, state) }

var DefaultConnStateHandler ConnStateHandlerFunc = func(conn *Conn, state ConnState) {}

type Handler interface {
	HandleMessage(ctx *Context) error
}

type HandlerFunc func(ctx *Context) error

func (fn HandlerFunc) HandleMessage(ctx *Context) error { return fn(ctx) }

var DefaultHandler HandlerFunc = func(ctx *Context) error { return nil }
