// Package client dials a single peer over UDP and keeps a skiff session to
// it alive.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSmallBoat/skiff/kcpengine"
	"github.com/TheSmallBoat/skiff/skifflib"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrClientShutdown = errors.New("skiff: client shut down")

const maxDatagramSize = 64 * 1024

// Client owns one session to Addr. The zero value (plus Addr) is usable;
// Write dials on first use.
//
// When a session closes with an error and the client is still running, it
// redials after a backoff. RedialAttempts bounds how many sessions in a row
// may close without ever delivering a frame before the client gives up.
//
// ConnState handlers in Config run with the client locked on StateNew and
// must not call back into the Client. Closing the new Conn from StateNew is
// allowed and makes the dial fail.
type Client struct {
	Addr   string
	Bind   BindFunc          // defaults to BindUDPAnyPort()
	Config skifflib.Config   // session settings, handlers and logger
	Engine kcpengine.Options // zero value means kcpengine.DefaultOptions

	RedialAttempts int
	Backoff        backoff.Backoff

	mu        sync.Mutex
	conn      *skifflib.Conn
	shutdown  bool
	done      chan struct{}
	redialing bool
	failures  int

	g errgroup.Group
}

// Dial opens a session unless one is already open.
func (c *Client) Dial(ctx context.Context) error {
	raddr, err := resolveUDPAddr(ctx, c.Addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", c.Addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.dialLocked(raddr)
	return err
}

// Conn returns the open session, or nil.
func (c *Client) Conn() *skifflib.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Write sends msg over the current session, dialing first if needed.
func (c *Client) Write(msg []byte) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}
	return conn.Write(msg)
}

// Shutdown closes the session, stops redialing and waits for the client's
// goroutines to exit.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.init()
	if !c.shutdown {
		c.shutdown = true
		close(c.done)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	_ = c.g.Wait()
}

func (c *Client) init() {
	if c.done == nil {
		c.done = make(chan struct{})
	}
}

func (c *Client) logger() *zap.Logger {
	if c.Config.Logger == nil {
		return zap.NewNop()
	}
	return c.Config.Logger
}

func (c *Client) getConn() (*skifflib.Conn, error) {
	c.mu.Lock()
	if c.conn != nil && !c.conn.Closed() {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	raddr, err := resolveUDPAddr(context.Background(), c.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", c.Addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(raddr)
}

func (c *Client) dialLocked(raddr *net.UDPAddr) (*skifflib.Conn, error) {
	c.init()

	if c.shutdown {
		return nil, ErrClientShutdown
	}
	if c.conn != nil && !c.conn.Closed() {
		return c.conn, nil
	}

	bind := c.Bind
	if bind == nil {
		bind = BindUDPAnyPort()
	}
	pc, err := bind()
	if err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}

	opts := c.Engine
	if opts == (kcpengine.Options{}) {
		opts = kcpengine.DefaultOptions
	}

	out := NewPacketOutput(pc, raddr)
	engine := kcpengine.New(uuid.New().ID(), out.Write, opts)

	// the session is only handed to sessionClosed once dialLocked has
	// published it and released c.mu
	var published atomic.Bool

	cfg := c.Config
	next := cfg.ConnState
	cfg.ConnState = skifflib.ConnStateHandlerFunc(func(conn *skifflib.Conn, state skifflib.ConnState) {
		if state == skifflib.StateClosed {
			_ = pc.Close()
			if published.Load() {
				c.sessionClosed(conn)
			}
		}
		if next != nil {
			next.HandleConnState(conn, state)
		}
	})

	conn := skifflib.NewConn(raddr.String(), engine, cfg)
	out.Bind(conn)

	c.conn = conn
	published.Store(true)

	if conn.Closed() {
		c.conn = nil
		err := skifflib.ErrConnClosed
		if reason := conn.Err(); reason != nil {
			err = reason
		}
		return nil, fmt.Errorf("session closed while dialing: %w", err)
	}

	c.g.Go(func() error { return c.readLoop(pc, raddr, conn) })

	c.logger().Debug("dialed", zap.String("addr", raddr.String()), zap.String("local", pc.LocalAddr().String()), zap.String("id", conn.ID()))

	return conn, nil
}

// readLoop feeds datagrams from raddr to conn until the socket closes.
func (c *Client) readLoop(pc net.PacketConn, raddr *net.UDPAddr, conn *skifflib.Conn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if !conn.Closed() {
				_ = conn.CloseWithError(fmt.Errorf("read from %s: %w", raddr, err))
			}
			return nil
		}
		if !sameUDPAddr(from, raddr) {
			continue
		}
		if err := conn.Handle(buf[:n]); err != nil && conn.Closed() {
			return nil
		}
	}
}

func (c *Client) sessionClosed(conn *skifflib.Conn) {
	reason := conn.Err()
	framesIn := conn.Stats().FramesIn

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	c.conn = nil

	if c.shutdown || reason == nil || c.RedialAttempts <= 0 {
		return
	}

	if framesIn > 0 {
		c.failures = 0
		c.Backoff.Reset()
	} else {
		c.failures++
	}

	if c.failures >= c.RedialAttempts {
		c.logger().Warn("giving up redialing", zap.String("addr", c.Addr), zap.Int("attempts", c.failures), zap.Error(reason))
		return
	}

	if c.redialing {
		return
	}
	c.redialing = true
	c.g.Go(c.redial)
}

func (c *Client) redial() error {
	for {
		c.mu.Lock()
		c.init()
		duration := c.Backoff.Duration()
		done := c.done
		c.mu.Unlock()

		c.logger().Info("redialing", zap.String("addr", c.Addr), zap.Duration("after", duration))

		t := time.NewTimer(duration)
		select {
		case <-t.C:
		case <-done:
			t.Stop()
			c.mu.Lock()
			c.redialing = false
			c.mu.Unlock()
			return nil
		}

		raddr, err := resolveUDPAddr(context.Background(), c.Addr)

		c.mu.Lock()
		if err == nil {
			_, err = c.dialLocked(raddr)
		}
		if err == nil || errors.Is(err, ErrClientShutdown) {
			c.redialing = false
			c.mu.Unlock()
			return nil
		}

		c.failures++
		if c.failures >= c.RedialAttempts {
			c.redialing = false
			c.mu.Unlock()
			c.logger().Warn("giving up redialing", zap.String("addr", c.Addr), zap.Int("attempts", c.failures), zap.Error(err))
			return nil
		}
		c.mu.Unlock()

		c.logger().Debug("redial failed", zap.String("addr", c.Addr), zap.Error(err))
	}
}
