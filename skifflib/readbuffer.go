package skifflib

import (
	"go.uber.org/zap"
)

// readBuffer holds engine-delivered chunks awaiting frame extraction.
// size is always the sum of the chunk lengths.
type readBuffer struct {
	chunks   [][]byte
	size     int
	needMore bool // extraction stopped on an incomplete frame

	// owned is set while the head chunk is a buffer grow allocated, whose
	// spare capacity later merges may append into.
	owned bool
}

func (b *readBuffer) push(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.size += len(p)
}

func (b *readBuffer) pop() int {
	n := len(b.chunks[0])
	b.chunks[0] = nil
	b.chunks = b.chunks[1:]
	b.size -= n
	b.owned = false
	return n
}

// consume removes n bytes from the front of the head chunk.
func (b *readBuffer) consume(n int) {
	head := b.chunks[0]
	if n >= len(head) {
		b.pop()
		return
	}
	b.chunks[0] = head[n:]
	b.size -= n
}

// grow merges chunks following the head into it until the head has at least
// doubled. The merged head is allocated with twice the room it needs and
// later merges append into it, so a frame trickling in over many Handle
// calls is copied O(1) times per byte.
//
// Appending only writes past len(head), which no extracted frame refers to.
func (b *readBuffer) grow() {
	head := b.chunks[0]
	want := 2 * len(head)

	k, total := 1, len(head)
	for k < len(b.chunks) && total < want {
		total += len(b.chunks[k])
		k++
	}
	if k < 2 {
		return
	}

	merged := head
	if !b.owned || cap(head) < total {
		merged = make([]byte, len(head), 2*total)
		copy(merged, head)
		b.owned = true
	}
	for i := 1; i < k; i++ {
		merged = append(merged, b.chunks[i]...)
		b.chunks[i] = nil
	}
	b.chunks[0] = nil
	b.chunks = b.chunks[k-1:]
	b.chunks[0] = merged
}

func (b *readBuffer) reset() {
	for i := range b.chunks {
		b.chunks[i] = nil
	}
	b.chunks = nil
	b.size = 0
	b.needMore = false
	b.owned = false
}

// Handle feeds one inbound datagram to the engine, drains whatever the
// engine can now deliver and dispatches every complete frame to the
// Handler in stream order. A transport failure recorded while the datagram
// was processed closes the connection and is returned.
func (c *Conn) Handle(datagram []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}

	if err := c.engine.Input(datagram); err != nil {
		c.stats.InputRejects++
		c.log.Debug("engine rejected datagram", zap.Int("size", len(datagram)), zap.Error(err))
	}

	for {
		p := c.engine.Recv()
		if len(p) == 0 {
			break
		}
		c.rb.push(p)
		c.stats.BytesIn += uint64(len(p))
	}

	c.inbox = append(c.inbox, c.extract()...)

	c.rearmRetransmit()

	closed := c.closeOnFailureLocked()
	err := c.err

	dispatch := !c.dispatching && len(c.inbox) > 0
	if dispatch {
		c.dispatching = true
	}
	c.mu.Unlock()

	if dispatch {
		c.dispatch()
	}
	if closed {
		c.notifyClosed(err)
		return err
	}
	return nil
}

// extract pulls complete frames off the read buffer. Every iteration
// consumes bytes, drops a chunk, merges chunks or stops, so the loop is
// bounded by size + 2*chunks.
func (c *Conn) extract() [][]byte {
	var frames [][]byte

	b := &c.rb
	b.needMore = false

	limit := b.size + 2*len(b.chunks) + 1

	for i := 0; len(b.chunks) > 0; i++ {
		if i >= limit {
			c.log.Warn("frame extraction exceeded its iteration bound",
				zap.Int("chunks", len(b.chunks)), zap.Int("size", b.size))
			break
		}

		head := b.chunks[0]
		n, frame := c.codec.Unpack(head)

		switch {
		case n > len(head), n < 0:
			dropped := b.pop()
			c.stats.CorruptChunks++
			c.log.Debug("dropped corrupt chunk", zap.Int("size", dropped))
		case n > 0:
			b.consume(n)
			frames = append(frames, frame)
			c.stats.FramesIn++
			c.resetIdle()
		default:
			if len(b.chunks) == 1 {
				b.needMore = true
				return frames
			}
			b.grow()
		}
	}

	return frames
}

// dispatch delivers inbox frames to the Handler without holding the lock,
// so handlers may Write or even Handle on the same connection. Only one
// goroutine dispatches at a time, which keeps frames in extraction order.
func (c *Conn) dispatch() {
	for {
		c.mu.Lock()
		frames := c.inbox
		c.inbox = nil
		if len(frames) == 0 {
			c.dispatching = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, frame := range frames {
			ctx := contextPool.acquire(c, frame)
			err := c.handler.HandleMessage(ctx)
			contextPool.release(ctx)

			if err != nil {
				c.log.Debug("handler returned an error", zap.Error(err))
			}
		}
	}
}
