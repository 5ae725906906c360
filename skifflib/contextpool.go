package skifflib

import (
	"sync"
	"sync/atomic"
)

// Context carries one decoded frame to a Handler. It is only valid for the
// duration of HandleMessage.
type Context struct {
	conn *Conn
	buf  []byte
}

func (c *Context) Conn() *Conn            { return c.conn }
func (c *Context) Body() []byte           { return c.buf }
func (c *Context) Reply(buf []byte) error { return c.conn.Write(buf) }

type ContextPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *ContextPool) acquire(conn *Conn, buf []byte) *Context {
	v := p.sp.Get()
	if v == nil {
		v = &Context{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	ctx := v.(*Context)
	ctx.conn = conn
	ctx.buf = buf
	return ctx
}

func (p *ContextPool) release(ctx *Context) {
	ctx.conn = nil
	ctx.buf = nil
	p.sp.Put(ctx)
	atomic.AddUint32(&p.m.np, uint32(1))
}
