package skifflib

import (
	"github.com/valyala/bytebufferpool"
)

// Write packs msg into a frame and queues it behind any earlier writes. An
// empty queue is flushed immediately; otherwise the frame goes out on the
// next scheduler tick.
func (c *Conn) Write(msg []byte) error {
	buf := bytebufferpool.Get()
	buf.B = c.codec.Pack(buf.B[:0], msg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		bytebufferpool.Put(buf)
		return ErrConnClosed
	}

	empty := len(c.queue) == 0
	c.queue = append(c.queue, pendingWritePool.acquire(buf))
	c.stats.FramesOut++

	if empty {
		c.flush()
	}

	closed := c.closeOnFailureLocked()
	err := c.err
	c.mu.Unlock()

	if closed {
		c.notifyClosed(err)
		return err
	}
	return nil
}

// Buffered returns the number of packed bytes the engine has not accepted
// yet.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedLocked()
}

func (c *Conn) bufferedLocked() int {
	n := -c.writeOffset
	for _, pw := range c.queue {
		n += pw.len()
	}
	return n
}

// flush pushes queued frames into the engine until it stops accepting, then
// re-arms the retransmission scheduler.
func (c *Conn) flush() {
	for len(c.queue) > 0 {
		remaining := c.queue[0].buf.B[c.writeOffset:]

		n := c.engine.Send(remaining)
		if n >= len(remaining) {
			c.stats.BytesOut += uint64(len(remaining))
			c.popWrite()
			continue
		}
		if n > 0 {
			c.writeOffset += n
			c.stats.BytesOut += uint64(n)
			c.stats.PartialSends++
		}
		break
	}
	c.rearmRetransmit()
}

func (c *Conn) popWrite() {
	pendingWritePool.release(c.queue[0])
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.writeOffset = 0
}
