package client

import (
	"fmt"
	"net"
	"sync"

	"github.com/TheSmallBoat/skiff/skifflib"
)

// PacketOutput sends engine datagrams to one remote address over a
// PacketConn. A failed write fails the bound Conn.
type PacketOutput struct {
	pc   net.PacketConn
	addr net.Addr

	mu      sync.Mutex
	conn    *skifflib.Conn
	pending error // first write error seen before Bind
}

func NewPacketOutput(pc net.PacketConn, addr net.Addr) *PacketOutput {
	return &PacketOutput{pc: pc, addr: addr}
}

// Bind sets the Conn that write errors are reported to. A write that failed
// before Bind fails conn straight away.
func (o *PacketOutput) Bind(conn *skifflib.Conn) {
	o.mu.Lock()
	o.conn = conn
	err := o.pending
	o.pending = nil
	o.mu.Unlock()

	if err != nil {
		conn.Fail(err)
	}
}

func (o *PacketOutput) Write(datagram []byte) {
	_, err := o.pc.WriteTo(datagram, o.addr)
	if err == nil {
		return
	}
	err = fmt.Errorf("write to %s: %w", o.addr, err)

	o.mu.Lock()
	conn := o.conn
	if conn == nil && o.pending == nil {
		o.pending = err
	}
	o.mu.Unlock()

	if conn != nil {
		conn.Fail(err)
	}
}
