package proxy

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/matst80/hotproxy/internal/handover"
	"github.com/matst80/hotproxy/internal/ratelimit"
	"github.com/matst80/hotproxy/internal/shutdown"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"gotest.tools/assert"
	"gotest.tools/poll"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tcpConns(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NilError(t, err)
	defer ln.Close()

	dialed, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	assert.NilError(t, err)
	accepted, err := ln.AcceptTCP()
	assert.NilError(t, err)
	t.Cleanup(func() {
		dialed.Close()
		accepted.Close()
	})
	return dialed, accepted
}

// echoServer runs a TCP echo upstream until the test ends.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []net.Conn
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return ln.Addr().String()
}

func exchange(t *testing.T, w io.Writer, r io.Reader, payload string) {
	t.Helper()
	_, err := w.Write([]byte(payload))
	assert.NilError(t, err)
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(r, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), payload)
}

// drain collects the sink until it is closed.
func drain(t *testing.T, sink <-chan handover.Socket) (pairs []*handover.SocketPair, listener *net.TCPListener) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-sink:
			if !ok {
				return pairs, listener
			}
			if s.Pair != nil {
				pairs = append(pairs, s.Pair)
			}
			if s.Listener != nil {
				listener = s.Listener
			}
		case <-timeout:
			t.Fatal("sink was never closed")
		}
	}
}

func startHandler(t *testing.T, p *handover.SocketPair, permits *Admission, notify *shutdown.Notifier, sink chan handover.Socket, idle time.Duration) <-chan struct{} {
	t.Helper()
	return runHandler(t, &Handler{Pair: p, Permits: permits, Shutdown: notify.Subscribe(), Sink: sink, IdleTimeout: idle})
}

// runHandler runs h after taking the permit it releases.
func runHandler(t *testing.T, h *Handler) <-chan struct{} {
	t.Helper()
	assert.NilError(t, h.Permits.Acquire(context.Background()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run()
	}()
	return done
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestHandlerForwardsUntilClientCloses(t *testing.T) {
	client, clientPeer := tcpConns(t)
	upstream, upstreamPeer := tcpConns(t)
	permits := NewAdmission(1)
	notify := shutdown.New()
	sink := make(chan handover.Socket, 1)

	done := startHandler(t, &handover.SocketPair{Client: client, Upstream: upstream}, permits, notify, sink, 0)

	exchange(t, clientPeer, upstreamPeer, "Hello, server!")
	exchange(t, upstreamPeer, clientPeer, "Hello, client!")

	clientPeer.Close()
	wait(t, done)

	_, err := upstreamPeer.Read(make([]byte, 1))
	assert.Assert(t, err != nil, "upstream should see the pair closed")
	assert.Equal(t, permits.InUse(), 0)
	assert.Equal(t, len(sink), 0)
	assert.Equal(t, notify.Subscribers(), 0)
}

func TestHandlerSurrendersPairOnShutdown(t *testing.T) {
	client, clientPeer := tcpConns(t)
	upstream, upstreamPeer := tcpConns(t)
	permits := NewAdmission(1)
	notify := shutdown.New()
	sink := make(chan handover.Socket, 1)

	done := startHandler(t, &handover.SocketPair{Client: client, Upstream: upstream}, permits, notify, sink, 0)
	exchange(t, clientPeer, upstreamPeer, "before")

	notify.Trigger()
	wait(t, done)
	assert.Equal(t, permits.InUse(), 0)

	got := <-sink
	assert.Assert(t, got.Pair != nil)
	assert.Equal(t, got.Pair.Client, client)

	// The pair is intact and a new generation picks it up.
	next := shutdown.New()
	done = startHandler(t, got.Pair, permits, next, sink, 0)
	exchange(t, clientPeer, upstreamPeer, "after")
	exchange(t, upstreamPeer, clientPeer, "reply")
	upstreamPeer.Close()
	wait(t, done)
}

func TestHandlerShutdownBeforeStart(t *testing.T) {
	client, _ := tcpConns(t)
	upstream, _ := tcpConns(t)
	permits := NewAdmission(1)
	notify := shutdown.New()
	notify.Trigger()
	sink := make(chan handover.Socket, 1)

	wait(t, startHandler(t, &handover.SocketPair{Client: client, Upstream: upstream}, permits, notify, sink, 0))
	assert.Equal(t, len(sink), 1)
}

func TestHandlerIdleTimeout(t *testing.T) {
	client, clientPeer := tcpConns(t)
	upstream, _ := tcpConns(t)
	permits := NewAdmission(1)
	sink := make(chan handover.Socket, 1)

	done := startHandler(t, &handover.SocketPair{Client: client, Upstream: upstream}, permits, shutdown.New(), sink, 50*time.Millisecond)
	wait(t, done)

	_ = clientPeer.SetReadDeadline(time.Now().Add(time.Second))
	_, err := clientPeer.Read(make([]byte, 1))
	assert.Assert(t, errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET), "got %v", err)
	assert.Equal(t, len(sink), 0)
}

func TestHandlerIdleTimeoutCountsBothDirections(t *testing.T) {
	client, clientPeer := tcpConns(t)
	upstream, upstreamPeer := tcpConns(t)
	permits := NewAdmission(1)
	sink := make(chan handover.Socket, 1)

	idle := 300 * time.Millisecond
	done := startHandler(t, &handover.SocketPair{Client: client, Upstream: upstream}, permits, shutdown.New(), sink, idle)

	// The upstream never answers; client traffic alone keeps the pair alive.
	buf := make([]byte, 1)
	for i := 0; i < 10; i++ {
		_, err := clientPeer.Write([]byte{byte(i)})
		assert.NilError(t, err)
		_ = upstreamPeer.SetReadDeadline(time.Now().Add(time.Second))
		_, err = io.ReadFull(upstreamPeer, buf)
		assert.NilError(t, err)
		assert.Equal(t, buf[0], byte(i))
		time.Sleep(idle / 3)
	}
	select {
	case <-done:
		t.Fatal("pair closed while the client was still sending")
	default:
	}

	wait(t, done)
	assert.Equal(t, len(sink), 0)
	assert.Equal(t, permits.InUse(), 0)
}

// fillUntilBlocked writes to c until a write makes no progress for a while,
// which means everything between c and the far end is full.
func fillUntilBlocked(t *testing.T, c net.Conn) {
	t.Helper()
	chunk := make([]byte, 64<<10)
	giveUp := time.Now().Add(10 * time.Second)
	for time.Now().Before(giveUp) {
		_ = c.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := c.Write(chunk); err != nil {
			assert.Assert(t, errors.Is(err, os.ErrDeadlineExceeded), "write: %v", err)
			_ = c.SetWriteDeadline(time.Time{})
			return
		}
	}
	t.Fatal("writes never blocked")
}

func TestHandlerDropsPairWhenWriteOutlivesGrace(t *testing.T) {
	client, clientPeer := tcpConns(t)
	upstream, _ := tcpConns(t) // the upstream peer never reads
	permits := NewAdmission(1)
	notify := shutdown.New()
	sink := make(chan handover.Socket, 1)
	stats := &Stats{}

	done := runHandler(t, &Handler{
		Pair:       &handover.SocketPair{Client: client, Upstream: upstream},
		Permits:    permits,
		Shutdown:   notify.Subscribe(),
		Sink:       sink,
		WriteGrace: 100 * time.Millisecond,
		Stats:      stats,
	})
	fillUntilBlocked(t, clientPeer)

	notify.Trigger()
	wait(t, done)

	assert.Equal(t, len(sink), 0)
	assert.Equal(t, stats.Dropped.Load(), uint64(1))
	assert.Equal(t, permits.InUse(), 0)
	assert.Equal(t, notify.Subscribers(), 0)
	assert.Assert(t, stats.BytesUpstream.Load() > 0)
}

func TestAdmission(t *testing.T) {
	a := NewAdmission(2)
	assert.Equal(t, a.Size(), 2)
	assert.Assert(t, a.TryAcquire())
	assert.Assert(t, a.TryAcquire())
	assert.Assert(t, !a.TryAcquire())
	assert.Equal(t, a.InUse(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Assert(t, a.Acquire(ctx) != nil)

	a.Release()
	assert.NilError(t, a.Acquire(context.Background()))
	a.Release()
	a.Release()
	assert.Equal(t, a.InUse(), 0)
	assert.Equal(t, NewAdmission(0).Size(), DefaultPermits)
}

// failingAcceptor fails the first n accepts and then blocks until its
// deadline is moved into the past.
type failingAcceptor struct {
	mu       sync.Mutex
	failures int
	expired  chan struct{}
	once     sync.Once
}

func newFailingAcceptor(failures int) *failingAcceptor {
	return &failingAcceptor{failures: failures, expired: make(chan struct{})}
}

func (a *failingAcceptor) AcceptTCP() (*net.TCPConn, error) {
	a.mu.Lock()
	if a.failures != 0 {
		a.failures--
		a.mu.Unlock()
		return nil, syscall.EMFILE
	}
	a.mu.Unlock()
	<-a.expired
	return nil, errors.New("i/o timeout")
}

func (a *failingAcceptor) SetDeadline(d time.Time) error {
	if !d.IsZero() && d.Before(time.Now()) {
		a.once.Do(func() { close(a.expired) })
	}
	return nil
}

func (a *failingAcceptor) Addr() net.Addr { return &net.TCPAddr{} }
func (a *failingAcceptor) Close() error   { return nil }

func TestAcceptBackoffExhausted(t *testing.T) {
	sink := make(chan handover.Socket)
	notify := shutdown.New()
	l := newListener(newFailingAcceptor(-1), Config{BackoffUnit: time.Millisecond}, NewAdmission(1), notify, sink)
	var delays []time.Duration
	l.after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		c := make(chan time.Time, 1)
		c <- time.Time{}
		return c
	}

	err := l.Serve(nil)
	assert.Assert(t, errors.Is(err, ErrBackoffExhausted), "got %v", err)
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64}
	assert.Equal(t, len(delays), len(want))
	for i := range want {
		assert.Equal(t, delays[i], want[i]*time.Millisecond)
	}
	drain(t, sink)
	assert.Equal(t, l.permits.InUse(), 0)
}

func TestAcceptBackoffRecovers(t *testing.T) {
	sink := make(chan handover.Socket)
	notify := shutdown.New()
	l := newListener(newFailingAcceptor(3), Config{BackoffUnit: time.Millisecond}, NewAdmission(1), notify, sink)
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	l.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		c := make(chan time.Time, 1)
		c <- time.Time{}
		return c
	}

	served := make(chan error, 1)
	go func() { served <- l.Serve(nil) }()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		mu.Lock()
		defer mu.Unlock()
		if len(delays) < 3 {
			return poll.Continue("%d retries so far", len(delays))
		}
		return poll.Success()
	})
	notify.Trigger()
	drain(t, sink)
	assert.NilError(t, <-served)
	assert.DeepEqual(t, delays, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond})
}

func startListener(t *testing.T, cfg Config, inherited []*handover.SocketPair) (*Listener, *shutdown.Notifier, chan handover.Socket, <-chan error) {
	t.Helper()
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	assert.NilError(t, err)
	sink := make(chan handover.Socket)
	notify := shutdown.New()
	l := NewListener(ln, cfg, NewAdmission(4), notify, sink)
	served := make(chan error, 1)
	go func() { served <- l.Serve(inherited) }()
	return l, notify, sink, served
}

func TestListenerProxiesAndSurrenders(t *testing.T) {
	l, notify, sink, served := startListener(t, Config{Upstream: echoServer(t)}, nil)

	conn, err := net.Dial("tcp", l.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()
	exchange(t, conn, conn, "Hello, server!")

	notify.Trigger()
	pairs, ln := drain(t, sink)
	assert.NilError(t, <-served)
	assert.Equal(t, len(pairs), 1)
	assert.Assert(t, ln != nil)
	assert.Equal(t, ln.Addr().String(), l.Addr().String())
	assert.Equal(t, l.permits.InUse(), 0)

	// The surrendered listener still holds its port and pending clients.
	late, err := net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	late.Close()

	// The surrendered pair still reaches the echo upstream.
	exchange(t, pairs[0].Upstream, pairs[0].Upstream, "still there")
	pairs[0].Close()
	ln.Close()
}

func TestListenerResumesInheritedPairs(t *testing.T) {
	client, clientPeer := tcpConns(t)
	upstream, upstreamPeer := tcpConns(t)
	inherited := []*handover.SocketPair{{Client: client, Upstream: upstream}}

	l, notify, sink, served := startListener(t, Config{Upstream: echoServer(t)}, inherited)
	exchange(t, clientPeer, upstreamPeer, "resumed")
	exchange(t, upstreamPeer, clientPeer, "resumed too")

	notify.Trigger()
	pairs, ln := drain(t, sink)
	assert.NilError(t, <-served)
	assert.Equal(t, len(pairs), 1)
	assert.Equal(t, pairs[0].Client, client)
	assert.Equal(t, l.permits.InUse(), 0)
	ln.Close()
}

func TestListenerDialFailureReleasesPermit(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	upstream := dead.Addr().String()
	dead.Close()

	l, notify, sink, served := startListener(t, Config{Upstream: upstream, DialTimeout: time.Second}, nil)
	conn, err := net.Dial("tcp", l.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Assert(t, err != nil)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if n := l.permits.InUse(); n != 0 {
			return poll.Continue("%d permits held", n)
		}
		return poll.Success()
	})

	notify.Trigger()
	pairs, ln := drain(t, sink)
	assert.NilError(t, <-served)
	assert.Equal(t, len(pairs), 0)
	ln.Close()
}

func TestListenerRateLimit(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	assert.NilError(t, err)
	sink := make(chan handover.Socket)
	notify := shutdown.New()
	l := NewListener(ln, Config{Upstream: echoServer(t)}, NewAdmission(4), notify, sink)
	l.Limiter = ratelimit.New(0, 1, 1)
	served := make(chan error, 1)
	go func() { served <- l.Serve(nil) }()

	first, err := net.Dial("tcp", l.Addr().String())
	assert.NilError(t, err)
	defer first.Close()
	exchange(t, first, first, "admitted")

	second, err := net.Dial("tcp", l.Addr().String())
	assert.NilError(t, err)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Assert(t, err != nil, "second client should be rejected")

	notify.Trigger()
	pairs, surrendered := drain(t, sink)
	assert.NilError(t, <-served)
	assert.Equal(t, len(pairs), 1)
	pairs[0].Close()
	surrendered.Close()
}
