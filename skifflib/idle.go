package skifflib

import (
	"time"

	"go.uber.org/zap"
)

func (c *Conn) armIdle() {
	if c.idleTimeout <= 0 {
		return
	}
	c.idleDeadline = time.Now().Add(c.idleTimeout)
	c.expire = time.AfterFunc(c.idleTimeout, c.onIdle)
}

// resetIdle pushes the idle deadline out by a full timeout.
func (c *Conn) resetIdle() {
	if c.expire == nil {
		return
	}
	c.idleDeadline = time.Now().Add(c.idleTimeout)
	c.expire.Reset(c.idleTimeout)
}

func (c *Conn) onIdle() {
	c.mu.Lock()
	if c.closed || c.expired {
		c.mu.Unlock()
		return
	}
	// a frame arrived after the timer fired but before we got the lock
	if remaining := time.Until(c.idleDeadline); remaining > 0 {
		c.expire.Reset(remaining)
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.closeLocked(ErrIdleTimeout)
	c.mu.Unlock()

	c.log.Debug("session idle", zap.Duration("idle_timeout", c.idleTimeout))

	c.connState.HandleConnState(c, StateTimeout)
	c.notifyClosed(ErrIdleTimeout)
}
