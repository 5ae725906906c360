package skifflib

import (
	"time"
)

// rearmRetransmit schedules the next tick for whenever the engine next
// wants attention.
func (c *Conn) rearmRetransmit() {
	if c.closed {
		return
	}

	now := c.nowMs()
	var delay time.Duration
	if d := int32(c.engine.Check(now) - now); d > 0 {
		delay = time.Duration(d) * time.Millisecond
	}

	if c.retransmit == nil {
		c.retransmit = time.AfterFunc(delay, c.tick)
		return
	}
	c.retransmit.Reset(delay)
}

// tick advances the engine clock, flushes pending writes and re-arms
// itself. A tick that lost a race with Close does nothing.
func (c *Conn) tick() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.engine.Update(c.nowMs())
	if len(c.queue) > 0 {
		c.flush()
	} else {
		c.rearmRetransmit()
	}

	closed := c.closeOnFailureLocked()
	err := c.err
	c.mu.Unlock()

	if closed {
		c.notifyClosed(err)
	}
}
