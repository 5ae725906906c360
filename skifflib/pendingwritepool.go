package skifflib

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

type pendingWrite struct {
	buf *bytebufferpool.ByteBuffer // packed frame, immutable once queued
}

func (pw *pendingWrite) len() int { return len(pw.buf.B) }

type PendingWritePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingWritePool) acquire(buf *bytebufferpool.ByteBuffer) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		v = &pendingWrite{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}

	pw := v.(*pendingWrite)
	pw.buf = buf
	return pw
}

// release hands the frame buffer back to bytebufferpool as well.
func (p *PendingWritePool) release(pw *pendingWrite) {
	if pw.buf != nil {
		bytebufferpool.Put(pw.buf)
		pw.buf = nil
	}
	p.sp.Put(pw)
	atomic.AddUint32(&p.m.np, uint32(1))
}
