package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matst80/hotproxy/internal/handover"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/matst80/hotproxy/internal/ratelimit"
	"github.com/matst80/hotproxy/internal/shutdown"
	"github.com/pkg/errors"
)

// ErrBackoffExhausted is returned by Serve when accept kept failing after the
// longest backoff delay.
var ErrBackoffExhausted = errors.New("proxy: accept failed after maximum backoff")

// Config holds the accept loop's tunables.
type Config struct {
	Upstream    string
	DialTimeout time.Duration
	IdleTimeout time.Duration
	WriteGrace  time.Duration
	// BackoffUnit is the first retry delay after a failed accept. It doubles
	// on every failure up to BackoffUnit*BackoffMax.
	BackoffUnit time.Duration
	BackoffMax  int
}

type acceptor interface {
	AcceptTCP() (*net.TCPConn, error)
	SetDeadline(time.Time) error
	Addr() net.Addr
	Close() error
}

// Listener owns the listening socket of one generation. It admits clients,
// dials the upstream for each and runs a Handler per pair. When the
// generation shuts down it surrenders the listening socket to the sink and
// closes the sink once every handler has finished.
type Listener struct {
	ln      acceptor
	cfg     Config
	permits *Admission
	notify  *shutdown.Notifier
	sink    chan<- handover.Socket

	// Limiter rejects clients over the configured rate. Nil admits everyone.
	Limiter *ratelimit.Limiter
	Stats   Stats

	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
	after func(time.Duration) <-chan time.Time
	wg    sync.WaitGroup
}

func NewListener(ln *net.TCPListener, cfg Config, permits *Admission, notify *shutdown.Notifier, sink chan<- handover.Socket) *Listener {
	return newListener(ln, cfg, permits, notify, sink)
}

func newListener(ln acceptor, cfg Config, permits *Admission, notify *shutdown.Notifier, sink chan<- handover.Socket) *Listener {
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	var d net.Dialer
	return &Listener{
		ln:      ln,
		cfg:     cfg,
		permits: permits,
		notify:  notify,
		sink:    sink,
		dial:    d.DialContext,
		after:   time.After,
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve resumes the inherited pairs, then accepts until shutdown. It returns
// nil after a shutdown and an error when accepting failed for good. Either
// way the listening socket ends up in the sink and the sink is closed after
// the last handler.
func (l *Listener) Serve(inherited []*handover.SocketPair) error {
	sub := l.notify.Subscribe()
	defer sub.Release()

	disarm := onShutdown(sub.Context(), func() {
		_ = l.ln.SetDeadline(aLongTimeAgo)
	})
	defer func() {
		disarm()
		l.finish()
	}()

	for i, p := range inherited {
		if err := l.permits.Acquire(sub.Context()); err != nil {
			for _, rest := range inherited[i:] {
				l.sink <- handover.Socket{Pair: rest}
			}
			break
		}
		obs.ResumedTotal.Inc()
		l.Stats.Resumed.Add(1)
		l.spawn(p, true)
	}
	if len(inherited) > 0 {
		obs.Info("listener.resumed", obs.Fields{"pairs": len(inherited)})
	}
	return l.acceptLoop(sub)
}

func (l *Listener) acceptLoop(sub *shutdown.Shutdown) error {
	for {
		if err := l.permits.Acquire(sub.Context()); err != nil {
			return nil
		}
		conn, err := l.accept(sub)
		if err != nil {
			l.permits.Release()
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		obs.AcceptedTotal.Inc()
		l.Stats.Accepted.Add(1)

		if l.Limiter.Enabled() {
			source := conn.RemoteAddr().(*net.TCPAddr).IP.String()
			if !l.Limiter.Allow(source) {
				obs.RejectedTotal.Inc()
				l.Stats.Rejected.Add(1)
				obs.Debug("listener.rejected", obs.Fields{"client": source})
				_ = conn.Close()
				l.permits.Release()
				continue
			}
		}

		pair := l.dialUpstream(conn)
		if pair == nil {
			l.permits.Release()
			continue
		}
		l.spawn(pair, false)
	}
}

var errStopped = errors.New("proxy: listener stopped")

// accept retries failed accepts with a doubling delay. A failure after the
// longest delay is fatal.
func (l *Listener) accept(sub *shutdown.Shutdown) (*net.TCPConn, error) {
	backoff := 1
	for {
		if sub.IsShutdown() {
			return nil, errStopped
		}
		conn, err := l.ln.AcceptTCP()
		if err == nil {
			return conn, nil
		}
		if sub.IsShutdown() {
			return nil, errStopped
		}
		obs.ErrorsTotal.WithLabelValues("accept").Inc()
		if backoff > l.cfg.BackoffMax {
			return nil, errors.Wrapf(ErrBackoffExhausted, "last error: %v", err)
		}
		delay := time.Duration(backoff) * l.cfg.BackoffUnit
		obs.Warn("listener.accept.retry", obs.Fields{"err": err.Error(), "delay": delay.String()})
		select {
		case <-l.after(delay):
		case <-sub.Done():
			return nil, errStopped
		}
		backoff *= 2
	}
}

// dialUpstream pairs conn with a fresh upstream connection. The upstream is
// dialed once per client and kept for the life of the pair. On failure conn
// is closed and nil is returned.
func (l *Listener) dialUpstream(conn *net.TCPConn) *handover.SocketPair {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
	defer cancel()
	up, err := l.dial(ctx, "tcp", l.cfg.Upstream)
	if err != nil {
		obs.Error("listener.dial", obs.Fields{"upstream": l.cfg.Upstream, "client": conn.RemoteAddr().String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		l.Stats.DialFailures.Add(1)
		_ = conn.Close()
		return nil
	}
	tcp, ok := up.(*net.TCPConn)
	if !ok {
		obs.Error("listener.dial", obs.Fields{"upstream": l.cfg.Upstream, "err": "not a TCP connection"})
		_ = up.Close()
		_ = conn.Close()
		return nil
	}
	return &handover.SocketPair{Client: conn, Upstream: tcp}
}

func (l *Listener) spawn(p *handover.SocketPair, resumed bool) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(p, resumed)
	}()
}

func (l *Listener) run(p *handover.SocketPair, resumed bool) {
	h := &Handler{
		Pair:        p,
		Permits:     l.permits,
		Shutdown:    l.notify.Subscribe(),
		Sink:        l.sink,
		IdleTimeout: l.cfg.IdleTimeout,
		WriteGrace:  l.cfg.WriteGrace,
		Resumed:     resumed,
		Stats:       &l.Stats,
	}
	h.Run()
}

// finish surrenders the listening socket and closes the sink once all
// handlers are done.
func (l *Listener) finish() {
	_ = l.ln.SetDeadline(time.Time{})
	if tl, ok := l.ln.(*net.TCPListener); ok {
		l.sink <- handover.Socket{Listener: tl}
	} else {
		_ = l.ln.Close()
	}
	go func() {
		l.wg.Wait()
		close(l.sink)
	}()
}
