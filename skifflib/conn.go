package skifflib

import (
	"errors"
	"sync"
	"time"

	"github.com/TheSmallBoat/skiff/codec"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConnClosed  = errors.New("skiff: connection closed")
	ErrIdleTimeout = errors.New("skiff: connection idle timeout")
	ErrReplaced    = errors.New("skiff: connection replaced by a newer session for the same peer")
)

type Config struct {
	Codec       codec.Codec   // defaults to codec.LengthPrefixed{}
	IdleTimeout time.Duration // zero disables the idle guard

	Handler   Handler
	ConnState ConnStateHandler

	Logger *zap.Logger
}

type Stats struct {
	FramesIn      uint64
	FramesOut     uint64
	BytesIn       uint64 // bytes delivered by the engine
	BytesOut      uint64 // bytes accepted by the engine
	CorruptChunks uint64
	PartialSends  uint64
	InputRejects  uint64

	Buffered     int // bytes waiting in the write queue
	ReadBuffered int // bytes waiting in the read buffer
}

// Conn turns one peer's Engine into a framed message stream.
type Conn struct {
	identity string
	id       string

	codec     codec.Codec
	handler   Handler
	connState ConnStateHandler
	log       *zap.Logger

	epoch time.Time

	mu     sync.Mutex // guards everything below
	engine Engine
	closed bool
	err    error

	queue       []*pendingWrite
	writeOffset int

	rb readBuffer

	inbox       [][]byte // extracted frames awaiting dispatch
	dispatching bool

	retransmit *time.Timer

	idleTimeout  time.Duration
	idleDeadline time.Time
	expire       *time.Timer
	expired      bool

	stats Stats

	fmu     sync.Mutex
	failure error
}

// NewConn wraps engine into a Conn keyed by identity, notifies StateNew and
// arms the retransmission scheduler and idle guard.
func NewConn(identity string, engine Engine, cfg Config) *Conn {
	c := &Conn{
		identity:    identity,
		id:          uuid.NewString(),
		codec:       cfg.Codec,
		handler:     cfg.Handler,
		connState:   cfg.ConnState,
		log:         cfg.Logger,
		epoch:       time.Now(),
		engine:      engine,
		idleTimeout: cfg.IdleTimeout,
	}
	if c.codec == nil {
		c.codec = codec.LengthPrefixed{}
	}
	if c.handler == nil {
		c.handler = DefaultHandler
	}
	if c.connState == nil {
		c.connState = DefaultConnStateHandler
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("id", c.id), zap.String("peer", identity))

	c.connState.HandleConnState(c, StateNew)

	c.mu.Lock()
	if !c.closed {
		c.armIdle()
		c.rearmRetransmit()
	}
	c.mu.Unlock()

	c.log.Debug("session opened", zap.Duration("idle_timeout", c.idleTimeout))

	return c
}

func (c *Conn) Identity() string { return c.identity }

// ID is a random per-session identifier, distinct across reconnects to the
// same peer.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Err returns the reason the connection closed, nil while it is open or
// after a plain Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Buffered = c.bufferedLocked()
	s.ReadBuffered = c.rb.size
	return s
}

// Fail records a fatal transport error. The connection closes with err as
// its reason once the operation currently driving the engine returns, or on
// the next one. Safe to call from an engine output callback.
func (c *Conn) Fail(err error) {
	if err == nil {
		return
	}
	c.fmu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.fmu.Unlock()
}

func (c *Conn) failed() error {
	c.fmu.Lock()
	defer c.fmu.Unlock()
	return c.failure
}

func (c *Conn) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError tears the connection down exactly once. Later calls are
// no-ops.
func (c *Conn) CloseWithError(reason error) error {
	c.mu.Lock()
	closed := c.closeLocked(reason)
	c.mu.Unlock()

	if closed {
		c.notifyClosed(reason)
	}
	return nil
}

func (c *Conn) closeLocked(reason error) bool {
	if c.closed {
		return false
	}
	c.closed = true
	c.err = reason

	if c.retransmit != nil {
		c.retransmit.Stop()
	}
	if c.expire != nil {
		c.expire.Stop()
	}

	c.engine.Release()
	c.engine = nil

	for i, pw := range c.queue {
		pendingWritePool.release(pw)
		c.queue[i] = nil
	}
	c.queue = nil
	c.writeOffset = 0

	c.rb.reset()
	c.inbox = nil

	return true
}

// closeOnFailureLocked must be called after every engine call that may emit
// datagrams.
func (c *Conn) closeOnFailureLocked() bool {
	err := c.failed()
	if err == nil {
		return false
	}
	return c.closeLocked(err)
}

func (c *Conn) notifyClosed(reason error) {
	if reason != nil {
		c.log.Debug("session closed", zap.Error(reason))
	} else {
		c.log.Debug("session closed")
	}
	c.connState.HandleConnState(c, StateClosed)
}

// nowMs is the engine clock: milliseconds since the connection was created.
func (c *Conn) nowMs() uint32 {
	return uint32(time.Since(c.epoch) / time.Millisecond)
}
