// Package kcpengine adapts github.com/xtaci/kcp-go/v5's KCP state machine to
// the skifflib.Engine boundary.
package kcpengine

import (
	"fmt"
	"time"

	"github.com/TheSmallBoat/skiff/skifflib"
	kcp "github.com/xtaci/kcp-go/v5"
)

const (
	// header bytes KCP prepends to every segment
	overhead = 24

	// maxFragments bounds how many segments a single Send may produce. The
	// peer can only reassemble a message whose fragments fit in its receive
	// window, so RecvWindow must stay above this.
	maxFragments = 16
)

var _ skifflib.Engine = (*Engine)(nil)

type Options struct {
	NoDelay      bool
	Interval     time.Duration
	Resend       int
	NoCongestion bool
	SendWindow   int
	RecvWindow   int
	MTU          int
	AckNoDelay   bool
}

var DefaultOptions = Options{
	NoDelay:      true,
	Interval:     10 * time.Millisecond,
	Resend:       2,
	NoCongestion: true,
	SendWindow:   128,
	RecvWindow:   128,
	MTU:          1400,
}

func (o Options) Validate() error {
	if o.Interval < time.Millisecond {
		return fmt.Errorf("kcp interval must be at least 1ms, got %s", o.Interval)
	}
	if o.MTU < 50 {
		return fmt.Errorf("kcp mtu must be at least 50, got %d", o.MTU)
	}
	if o.SendWindow <= 0 {
		return fmt.Errorf("kcp send window must be positive, got %d", o.SendWindow)
	}
	if o.RecvWindow <= maxFragments {
		return fmt.Errorf("kcp receive window must exceed %d, got %d", maxFragments, o.RecvWindow)
	}
	if o.Resend < 0 {
		return fmt.Errorf("kcp resend must not be negative, got %d", o.Resend)
	}
	return nil
}

// Engine is a KCP session bound to one conversation id. It is not safe for
// concurrent use; skifflib.Conn serializes every call.
type Engine struct {
	kcp *kcp.KCP

	ackNoDelay bool
	sendWindow int
	maxChunk   int

	// kcp-go keeps its own millisecond clock; base is its reading when the
	// engine was created.
	base  uint32
	epoch time.Time
}

// New creates a KCP engine. output receives every datagram KCP emits; the
// slice is reused after output returns, so output must write or copy it
// synchronously.
func New(conv uint32, output func(datagram []byte), opts Options) *Engine {
	e := &Engine{
		ackNoDelay: opts.AckNoDelay,
		sendWindow: opts.SendWindow,
		maxChunk:   (opts.MTU - overhead) * maxFragments,
	}

	e.kcp = kcp.NewKCP(conv, func(buf []byte, size int) {
		output(buf[:size])
	})

	nodelay, nc := 0, 0
	if opts.NoDelay {
		nodelay = 1
	}
	if opts.NoCongestion {
		nc = 1
	}
	e.kcp.NoDelay(nodelay, int(opts.Interval/time.Millisecond), opts.Resend, nc)
	e.kcp.WndSize(opts.SendWindow, opts.RecvWindow)
	e.kcp.SetMtu(opts.MTU)

	e.base = e.kcp.Check()
	e.epoch = time.Now()

	return e
}

// Input hands a datagram to KCP. Empty datagrams are ignored.
func (e *Engine) Input(datagram []byte) error {
	if len(datagram) == 0 {
		return nil
	}
	if ret := e.kcp.Input(datagram, true, e.ackNoDelay); ret < 0 {
		return fmt.Errorf("kcp rejected %d byte datagram: code %d", len(datagram), ret)
	}
	return nil
}

func (e *Engine) Recv() []byte {
	size := e.kcp.PeekSize()
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	n := e.kcp.Recv(buf)
	if n <= 0 {
		return nil
	}
	return buf[:n]
}

// Send queues a prefix of p and reports its length. It accepts nothing once
// the unacknowledged backlog reaches twice the send window.
func (e *Engine) Send(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	if e.kcp.WaitSnd() >= 2*e.sendWindow {
		return 0
	}

	n := len(p)
	if n > e.maxChunk {
		n = e.maxChunk
	}
	if e.kcp.Send(p[:n]) < 0 {
		return 0
	}
	return n
}

// Update advances KCP on its own clock; nowMs is only used by Check.
func (e *Engine) Update(nowMs uint32) {
	e.kcp.Update()
}

// Check returns, on the caller's clock, when Update should next run.
func (e *Engine) Check(nowMs uint32) uint32 {
	current := e.base + uint32(time.Since(e.epoch)/time.Millisecond)
	delay := int32(e.kcp.Check() - current)
	if delay < 0 {
		delay = 0
	}
	return nowMs + uint32(delay)
}

// WaitSnd reports how many segments are queued or in flight.
func (e *Engine) WaitSnd() int {
	return e.kcp.WaitSnd()
}

func (e *Engine) Release() {
	e.kcp.ReleaseTX()
}
