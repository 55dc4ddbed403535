// Package server runs one generation of the proxy: it starts fresh or adopts
// the sockets of a running predecessor, serves clients, and hands everything
// over when a successor asks for it.
package server

import (
	"context"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/matst80/hotproxy/internal/config"
	"github.com/matst80/hotproxy/internal/handover"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/matst80/hotproxy/internal/proto"
	"github.com/matst80/hotproxy/internal/proxy"
	"github.com/matst80/hotproxy/internal/ratelimit"
	"github.com/matst80/hotproxy/internal/shutdown"
	"github.com/matst80/hotproxy/internal/state"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	sweepInterval = time.Minute
	sweepIdle     = 5 * time.Minute
)

type Server struct {
	cfg      *config.Config
	takeover bool
	store    state.Store

	notify  *shutdown.Notifier
	permits *proxy.Admission
	limiter *ratelimit.Limiter

	// Set before ready is closed.
	ready    chan struct{}
	listener *proxy.Listener
	gen      state.Generation

	serving atomic.Bool
}

// ErrStopTimeout is returned when the handlers did not give up their pairs
// within the shutdown grace plus the handover timeout.
var ErrStopTimeout = errors.New("server: connections did not stop in time")

type collected struct {
	res *handover.Resources
	err error
}

type peer struct {
	ch  *handover.Channel
	err error
}

// New prepares a server. With takeover set, Run adopts the sockets of the
// generation listening on cfg.ControlSocket instead of binding fresh. A nil
// store keeps the ledger in memory.
func New(cfg *config.Config, takeover bool, store state.Store) *Server {
	if store == nil {
		store = state.NewMemory()
	}
	return &Server{
		cfg:      cfg,
		takeover: takeover,
		store:    store,
		notify:   shutdown.New(),
		permits:  proxy.NewAdmission(cfg.MaxConnections),
		limiter:  ratelimit.New(cfg.RateLimit.Global, cfg.RateLimit.PerSource, cfg.RateLimit.Burst),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the server accepts clients and can be taken over.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Serving reports whether the server is ready and not shutting down.
func (s *Server) Serving() bool { return s.isReady() && s.serving.Load() }

// Addr returns the client listening address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	if !s.isReady() {
		return nil
	}
	return s.listener.Addr()
}

// Generation returns this process's ledger entry. It is zero before Ready.
func (s *Server) Generation() state.Generation {
	if !s.isReady() {
		return state.Generation{}
	}
	return s.gen
}

// Stats returns the listener's counters, or nil before Ready.
func (s *Server) Stats() *proxy.Stats {
	if !s.isReady() {
		return nil
	}
	return &s.listener.Stats
}

// Permits returns the number of admission permits in use and the pool size.
func (s *Server) Permits() (inUse, size int) { return s.permits.InUse(), s.permits.Size() }

func (s *Server) Store() state.Store { return s.store }

// Run serves until ctx is cancelled (plain stop: every connection is closed),
// until a successor has taken everything over, or until a fatal error.
func (s *Server) Run(ctx context.Context) error {
	started := time.Now()
	var (
		ln        *net.TCPListener
		inherited []*handover.SocketPair
		pred      *handover.Channel
		prev      proto.Message
	)
	if s.takeover {
		var err error
		if pred, prev, ln, inherited, err = s.adopt(ctx); err != nil {
			return err
		}
	}
	inheritedListener := ln != nil
	if ln == nil {
		var err error
		if ln, err = proxy.Listen(ctx, s.cfg.Listen); err != nil {
			closePairs(inherited)
			if pred != nil {
				pred.Close()
			}
			return err
		}
	}

	host, _ := os.Hostname()
	gen, err := s.store.BeginGeneration(ctx, state.Generation{
		PID:       os.Getpid(),
		Started:   started,
		Takeover:  s.takeover,
		Pairs:     len(inherited),
		Listener:  inheritedListener,
		Previous:  prev.Generation,
		Hostname:  host,
		Listening: ln.Addr().String(),
	})
	if err != nil {
		obs.Warn("state.generation", obs.Err(err, obs.Fields{}))
		gen.Number = prev.Generation + 1
	}
	s.gen = gen
	obs.Generation.Set(float64(gen.Number))

	sink := make(chan handover.Socket)
	bundle := make(chan collected, 1)
	go func() {
		res, err := handover.Collect(sink)
		bundle <- collected{res, err}
	}()

	s.listener = proxy.NewListener(ln, proxy.Config{
		Upstream:    s.cfg.Upstream,
		DialTimeout: s.cfg.DialTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
		WriteGrace:  s.cfg.ShutdownGrace,
		BackoffUnit: s.cfg.AcceptBackoff.Unit,
		BackoffMax:  s.cfg.AcceptBackoff.Max,
	}, s.permits, s.notify, sink)
	s.listener.Limiter = s.limiter
	served := make(chan error, 1)
	go func() { served <- s.listener.Serve(inherited) }()

	if pred != nil {
		err := pred.Send(proto.Message{Kind: proto.Shutdown, PID: os.Getpid(), Generation: gen.Number})
		pred.Close()
		if err != nil {
			// The predecessor treats a closed channel as a release too.
			obs.Warn("handover.release", obs.Err(err, obs.Fields{"peer_pid": prev.PID}))
		}
	}

	rv, err := handover.Bind(s.cfg.ControlSocket)
	if err != nil {
		return s.stop(served, bundle, err)
	}
	defer rv.Close()

	s.serving.Store(true)
	close(s.ready)
	obs.Info("server.ready", obs.Fields{
		"listen":     ln.Addr().String(),
		"upstream":   s.cfg.Upstream,
		"control":    rv.Path(),
		"generation": gen.Number,
		"takeover":   s.takeover,
		"resumed":    len(inherited),
	})

	bg, cancelBg := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bg)
	s.background(gctx, g, ln.Addr().(*net.TCPAddr))
	defer func() {
		cancelBg()
		if err := g.Wait(); err != nil {
			obs.Warn("server.background", obs.Err(err, obs.Fields{}))
		}
	}()

	peers := make(chan peer, 1)
	acceptCtx, cancelAccept := context.WithCancel(ctx)
	go func() {
		ch, err := rv.Accept(acceptCtx, proto.Message{PID: os.Getpid(), Generation: gen.Number})
		peers <- peer{ch, err}
	}()
	pending := true
	defer func() {
		cancelAccept()
		if pending {
			if p := <-peers; p.ch != nil {
				p.ch.Close()
			}
		}
	}()

	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{"generation": gen.Number})
		return s.stop(served, bundle, nil)
	case err := <-served:
		obs.Error("listener.fatal", obs.Err(err, obs.Fields{}))
		return s.stop(nil, bundle, err)
	case p := <-peers:
		pending = false
		if p.err != nil {
			if ctx.Err() != nil {
				obs.Info("server.shutdown.signal", obs.Fields{"generation": gen.Number})
				return s.stop(served, bundle, nil)
			}
			return s.stop(served, bundle, p.err)
		}
		defer p.ch.Close()
		return s.handlePeer(ctx, p.ch, served, bundle)
	}
}

// adopt connects to the running generation and receives its sockets.
func (s *Server) adopt(ctx context.Context) (*handover.Channel, proto.Message, *net.TCPListener, []*handover.SocketPair, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandoverTimeout)
	defer cancel()

	ch, hello, err := handover.Connect(ctx, s.cfg.ControlSocket)
	if err != nil {
		return nil, hello, nil, nil, errors.Wrap(err, "takeover")
	}
	obs.Info("handover.connected", obs.Fields{"peer_pid": hello.PID, "peer_generation": hello.Generation})

	fail := func(err error) (*handover.Channel, proto.Message, *net.TCPListener, []*handover.SocketPair, error) {
		ch.Close()
		return nil, hello, nil, nil, errors.Wrap(err, "takeover")
	}
	if err := ch.Send(proto.Message{Kind: proto.Takeover, PID: os.Getpid()}); err != nil {
		return fail(err)
	}
	res, hdr, err := ch.RecvResources(ctx)
	if err != nil {
		return fail(err)
	}
	var ln *net.TCPListener
	if res.Listener != nil {
		if ln, err = res.Listener.TCPListener(); err != nil {
			res.Close()
			return fail(err)
		}
	}
	pairs, err := res.SocketPairs()
	if err != nil {
		if ln != nil {
			ln.Close()
		}
		return fail(err)
	}
	hdr.Generation = max(hdr.Generation, hello.Generation)
	obs.Info("handover.adopted", obs.Fields{"pairs": len(pairs), "listener": ln != nil, "peer_pid": hdr.PID})
	return ch, hdr, ln, pairs, nil
}

// handlePeer answers a successor that reached the rendezvous.
func (s *Server) handlePeer(ctx context.Context, ch *handover.Channel, served <-chan error, bundle <-chan collected) error {
	wait, cancel := context.WithTimeout(ctx, s.cfg.HandoverTimeout)
	msg, _, err := ch.Expect(wait, proto.Takeover, proto.Shutdown)
	cancel()
	if err != nil {
		return s.stop(served, bundle, errors.Wrap(err, "handover: await request"))
	}
	if msg.Kind == proto.Shutdown {
		obs.Info("handover.shutdown.received", obs.Fields{"peer_pid": msg.PID})
		return s.stop(served, bundle, nil)
	}

	obs.Info("handover.takeover.received", obs.Fields{"peer_pid": msg.PID})
	start := time.Now()
	s.serving.Store(false)
	s.notify.Trigger()
	if err := <-served; err != nil {
		obs.Warn("listener.exit", obs.Err(err, obs.Fields{}))
	}
	c, err := s.awaitBundle(bundle)
	if err != nil {
		s.persist()
		return errors.Wrap(err, "handover")
	}
	if c.err != nil {
		// Whatever could be collected still goes to the successor.
		obs.Error("handover.collect", obs.Err(c.err, obs.Fields{}))
	}
	pairs, hasListener := len(c.res.Pairs), c.res.Listener != nil
	if err := ch.SendResources(c.res, proto.Message{PID: os.Getpid(), Generation: s.gen.Number}); err != nil {
		s.persist()
		return errors.Wrap(err, "handover: send resources")
	}
	took := time.Since(start)
	s.listener.Stats.HandedOver.Add(uint64(pairs))
	obs.HandoverDuration.Observe(took.Seconds())
	obs.HandedOverTotal.WithLabelValues("pair").Add(float64(pairs))
	if hasListener {
		obs.HandedOverTotal.WithLabelValues("listener").Inc()
	}
	obs.Info("handover.resources.sent", obs.Fields{"pairs": pairs, "listener": hasListener, "duration": took.String()})

	rec := state.Handover{
		From:     s.gen.Number,
		PID:      os.Getpid(),
		PeerPID:  msg.PID,
		Pairs:    pairs,
		Listener: hasListener,
		Duration: took,
		At:       time.Now(),
	}
	if err := s.store.RecordHandover(context.Background(), rec); err != nil {
		obs.Warn("state.handover", obs.Err(err, obs.Fields{}))
	}
	s.persist()

	wait, cancel = context.WithTimeout(context.Background(), s.cfg.HandoverTimeout)
	defer cancel()
	switch _, _, err := ch.Expect(wait, proto.Shutdown); {
	case err == nil:
		obs.Info("handover.released", obs.Fields{"peer_pid": msg.PID})
	case errors.Is(err, io.EOF):
		obs.Info("handover.released", obs.Fields{"peer_pid": msg.PID, "eof": true})
	default:
		obs.Warn("handover.release", obs.Err(err, obs.Fields{"peer_pid": msg.PID}))
	}
	return nil
}

// stop ends the generation without a successor: every connection is closed.
// served is nil when the accept loop has already returned.
func (s *Server) stop(served <-chan error, bundle <-chan collected, cause error) error {
	s.serving.Store(false)
	s.notify.Trigger()
	if served != nil {
		if err := <-served; err != nil && cause == nil {
			cause = err
		}
	}
	c, err := s.awaitBundle(bundle)
	if err != nil {
		obs.Error("server.stop", obs.Err(err, obs.Fields{"generation": s.gen.Number}))
		if cause == nil {
			cause = err
		}
	}
	n := 0
	if c.res != nil {
		n = len(c.res.Pairs)
		if err := c.res.Close(); err != nil {
			obs.Warn("server.close", obs.Err(err, obs.Fields{}))
		}
	}
	s.persist()
	obs.Info("server.stopped", obs.Fields{"closed_pairs": n, "generation": s.gen.Number})
	return cause
}

// awaitBundle waits for the collector. A handler blocked in a write gives up
// after the shutdown grace, so the wait is bounded by that plus the handover
// timeout.
func (s *Server) awaitBundle(bundle <-chan collected) (collected, error) {
	t := time.NewTimer(s.cfg.ShutdownGrace + s.cfg.HandoverTimeout)
	defer t.Stop()
	select {
	case c := <-bundle:
		return c, nil
	case <-t.C:
		return collected{}, ErrStopTimeout
	}
}

// persist adds this generation's counters to the ledger.
func (s *Server) persist() {
	st := &s.listener.Stats
	delta := state.Counters{
		Accepted:        st.Accepted.Load(),
		Resumed:         st.Resumed.Load(),
		HandedOver:      st.HandedOver.Load(),
		Rejected:        st.Rejected.Load(),
		DialFailures:    st.DialFailures.Load(),
		Dropped:         st.Dropped.Load(),
		BytesUpstream:   st.BytesUpstream.Load(),
		BytesDownstream: st.BytesDownstream.Load(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AddCounters(ctx, delta); err != nil {
		obs.Warn("state.counters", obs.Err(err, obs.Fields{}))
	}
}

// background starts helpers that live as long as the generation serves.
func (s *Server) background(ctx context.Context, g *errgroup.Group, addr *net.TCPAddr) {
	if s.limiter.Enabled() {
		g.Go(func() error {
			t := time.NewTicker(sweepInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if n := s.limiter.Sweep(sweepIdle); n > 0 {
						obs.Debug("ratelimit.sweep", obs.Fields{"dropped": n})
					}
				}
			}
		})
	}
	if s.cfg.MDNS.Enabled {
		g.Go(func() error {
			stop, err := announce(s.cfg.MDNS.Service, addr, s.gen.Number)
			if err != nil {
				obs.Warn("mdns.announce", obs.Err(err, obs.Fields{}))
				return nil
			}
			<-ctx.Done()
			stop()
			return nil
		})
	}
}

func closePairs(pairs []*handover.SocketPair) {
	for _, p := range pairs {
		p.Close()
	}
}
