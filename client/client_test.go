package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TheSmallBoat/skiff/kcpengine"
	"github.com/TheSmallBoat/skiff/skifflib"
	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// echoPeer answers every client that writes to it with the frames it
// receives. Each remote address gets its own session keyed in a Registry.
type echoPeer struct {
	pc       net.PacketConn
	registry *skifflib.Registry
	wg       sync.WaitGroup
}

func newEchoPeer(t *testing.T) *echoPeer {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	p := &echoPeer{pc: pc, registry: skifflib.NewRegistry(nil)}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.serve()
	}()

	return p
}

func (p *echoPeer) Addr() string { return p.pc.LocalAddr().String() }

func (p *echoPeer) serve() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := p.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < 4 {
			continue
		}

		conn, exists := p.registry.Get(from.String())
		if !exists {
			conv := binary.LittleEndian.Uint32(buf[:4])
			out := NewPacketOutput(p.pc, from)
			conn = skifflib.NewConn(from.String(), kcpengine.New(conv, out.Write, kcpengine.DefaultOptions), skifflib.Config{
				ConnState: p.registry,
				Handler: skifflib.HandlerFunc(func(ctx *skifflib.Context) error {
					return ctx.Reply(ctx.Body())
				}),
			})
			out.Bind(conn)
		}
		_ = conn.Handle(buf[:n])
	}
}

func (p *echoPeer) Close() {
	_ = p.pc.Close()
	p.wg.Wait()
	p.registry.CloseAll()
}

type frames struct {
	mu   sync.Mutex
	msgs []string
}

func (f *frames) HandleMessage(ctx *skifflib.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, string(ctx.Body()))
	return nil
}

func (f *frames) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type states struct {
	mu     sync.Mutex
	counts map[skifflib.ConnState]int
}

func (s *states) HandleConnState(conn *skifflib.Conn, state skifflib.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[skifflib.ConnState]int)
	}
	s.counts[state]++
}

func (s *states) count(state skifflib.ConnState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[state]
}

func TestClientWriteEcho(t *testing.T) {
	peer := newEchoPeer(t)
	defer peer.Close()

	var received frames
	client := &Client{
		Addr:   peer.Addr(),
		Config: skifflib.Config{Handler: &received},
	}
	defer client.Shutdown()

	n := 256
	for i := 0; i < n; i++ {
		require.NoError(t, client.Write([]byte(fmt.Sprintf("hello %d", i))))
	}

	require.Eventually(t, func() bool { return received.len() == n }, 10*time.Second, 10*time.Millisecond)

	received.mu.Lock()
	defer received.mu.Unlock()
	for i, msg := range received.msgs {
		require.EqualValues(t, fmt.Sprintf("hello %d", i), msg)
	}

	require.EqualValues(t, 1, peer.registry.Len())
}

func TestClientRedialsUntilGivingUp(t *testing.T) {
	// nothing listens here, so every session idles out without a frame
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	var s states
	client := &Client{
		Addr: addr,
		Config: skifflib.Config{
			IdleTimeout: 50 * time.Millisecond,
			ConnState:   &s,
		},
		RedialAttempts: 3,
		Backoff:        backoff.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	}
	defer client.Shutdown()

	require.NoError(t, client.Write([]byte("anyone?")))

	require.Eventually(t, func() bool { return s.count(skifflib.StateClosed) == 3 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 3, s.count(skifflib.StateNew))
	require.EqualValues(t, 3, s.count(skifflib.StateTimeout))
	require.EqualValues(t, 3, s.count(skifflib.StateClosed))
	require.Nil(t, client.Conn())
}

func TestClientNoRedialAfterPlainClose(t *testing.T) {
	peer := newEchoPeer(t)
	defer peer.Close()

	var s states
	client := &Client{
		Addr:           peer.Addr(),
		Config:         skifflib.Config{ConnState: &s},
		RedialAttempts: 3,
		Backoff:        backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond},
	}
	defer client.Shutdown()

	require.NoError(t, client.Dial(context.Background()))
	conn := client.Conn()
	require.NotNil(t, conn)

	require.NoError(t, conn.Close())

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, s.count(skifflib.StateNew))
	require.Nil(t, client.Conn())
}

func TestClientShutdown(t *testing.T) {
	peer := newEchoPeer(t)
	defer peer.Close()

	client := &Client{Addr: peer.Addr()}

	require.NoError(t, client.Write([]byte("hello")))
	conn := client.Conn()

	client.Shutdown()
	client.Shutdown()

	require.True(t, conn.Closed())
	require.ErrorIs(t, client.Write([]byte("late")), ErrClientShutdown)
	require.ErrorIs(t, client.Dial(context.Background()), ErrClientShutdown)
}

func TestPacketOutputFailsConn(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	out := NewPacketOutput(pc, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	conn := skifflib.NewConn("peer", kcpengine.New(1, out.Write, kcpengine.DefaultOptions), skifflib.Config{})
	out.Bind(conn)
	defer conn.Close()

	require.NoError(t, conn.Write([]byte("hello")))

	require.Eventually(t, conn.Closed, 5*time.Second, 5*time.Millisecond)
	require.True(t, errors.Is(conn.Err(), net.ErrClosed))
}

// quietEngine accepts everything and never emits or delivers anything.
type quietEngine struct{}

func (quietEngine) Input([]byte) error { return nil }
func (quietEngine) Recv() []byte { return nil }
func (quietEngine) Send(p []byte) int { return len(p) }
func (quietEngine) Update(uint32) {}
func (quietEngine) Check(nowMs uint32) uint32 { return nowMs + 3600*1000 }
func (quietEngine) Release() {}

func TestPacketOutputFailsConnBoundAfterWriteError(t *testing.T) {
	defer goleak.VerifyNone(t)

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	out := NewPacketOutput(pc, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	out.Write([]byte("early"))

	conn := skifflib.NewConn("peer", quietEngine{}, skifflib.Config{})
	out.Bind(conn)
	defer conn.Close()

	require.ErrorIs(t, conn.Write([]byte("hello")), net.ErrClosed)
	require.True(t, conn.Closed())
	require.ErrorIs(t, conn.Err(), net.ErrClosed)
}

func TestDialFailsWhenSessionClosedOnOpen(t *testing.T) {
	defer goleak.VerifyNone(t)

	peer := newEchoPeer(t)
	defer peer.Close()

	client := &Client{
		Addr: peer.Addr(),
		Config: skifflib.Config{
			ConnState: skifflib.ConnStateHandlerFunc(func(conn *skifflib.Conn, state skifflib.ConnState) {
				if state == skifflib.StateNew {
					_ = conn.Close()
				}
			}),
		},
		RedialAttempts: 3,
	}

	errs := make(chan error, 1)
	go func() { errs <- client.Dial(context.Background()) }()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, skifflib.ErrConnClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("dial deadlocked")
	}

	require.Nil(t, client.Conn())
	client.Shutdown()
}

func TestBindAndHostAddr(t *testing.T) {
	pc, err := BindUDPv4("127.0.0.1:0")()
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	pc, err = BindUDPAnyPort()()
	require.NoError(t, err)
	require.NoError(t, pc.Close())

	require.EqualValues(t, "127.0.0.1:9000", HostAddr(net.IPv4(127, 0, 0, 1), 9000))
	require.EqualValues(t, ":9000", HostAddr(nil, 9000))
	require.EqualValues(t, "[::1]:9000", HostAddr(net.IPv6loopback, 9000))
}

func TestResolveUDPAddr(t *testing.T) {
	addr, err := resolveUDPAddr(context.Background(), "127.0.0.1:7000")
	require.NoError(t, err)
	require.True(t, addr.IP.Equal(net.IPv4(127, 0, 0, 1)))
	require.EqualValues(t, 7000, addr.Port)

	addr, err = resolveUDPAddr(context.Background(), ":7000")
	require.NoError(t, err)
	require.True(t, addr.IP.Equal(net.IPv4(127, 0, 0, 1)))

	_, err = resolveUDPAddr(context.Background(), "no-port")
	require.Error(t, err)
}
