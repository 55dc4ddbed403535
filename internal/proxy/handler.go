package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/hotproxy/internal/handover"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/matst80/hotproxy/internal/shutdown"
)

const (
	copyBufferSize = 32 << 10

	// DefaultWriteGrace is used when a Handler has no WriteGrace.
	DefaultWriteGrace = 5 * time.Second
)

var aLongTimeAgo = time.Unix(1, 0)

// Handler forwards bytes between the two sockets of one pair until either
// side finishes or the generation shuts down. On shutdown the still-open pair
// is surrendered to the sink instead of being closed.
type Handler struct {
	Pair     *handover.SocketPair
	Permits  *Admission
	Shutdown *shutdown.Shutdown
	Sink     chan<- handover.Socket
	// IdleTimeout closes the pair when neither side sent anything for that
	// long. Zero disables it.
	IdleTimeout time.Duration
	// WriteGrace bounds a write that is blocked when shutdown arrives. A pair
	// whose write outlives it is dropped, not surrendered.
	WriteGrace time.Duration
	Resumed    bool
	Stats      *Stats

	lastActive atomic.Int64 // unix nanos of the last read in either direction
}

type pumpResult struct {
	dir     string
	stopped bool // interrupted by shutdown, the stream is intact
	dropped bool // a write timed out after shutdown, the stream is broken
	err     error
}

// Run proxies until the pair is done. It releases the permit and the
// shutdown subscription before returning.
func (h *Handler) Run() {
	defer h.Permits.Release()
	defer h.Shutdown.Release()

	obs.ActiveConnections.Inc()
	defer obs.ActiveConnections.Dec()

	start := time.Now()
	fields := obs.Fields{
		"client":   h.Pair.Client.RemoteAddr().String(),
		"upstream": h.Pair.Upstream.RemoteAddr().String(),
		"resumed":  h.Resumed,
	}
	obs.Debug("pair.start", fields)

	grace := h.WriteGrace
	if grace <= 0 {
		grace = DefaultWriteGrace
	}
	h.lastActive.Store(start.UnixNano())
	disarm := onShutdown(h.Shutdown.Context(), func() {
		_ = h.Pair.Client.SetReadDeadline(aLongTimeAgo)
		_ = h.Pair.Upstream.SetReadDeadline(aLongTimeAgo)
		writeBy := time.Now().Add(grace)
		_ = h.Pair.Client.SetWriteDeadline(writeBy)
		_ = h.Pair.Upstream.SetWriteDeadline(writeBy)
	})
	defer disarm()

	results := make(chan pumpResult, 2)
	go func() { results <- h.pump(h.Pair.Upstream, h.Pair.Client, "upstream") }()
	go func() { results <- h.pump(h.Pair.Client, h.Pair.Upstream, "downstream") }()

	first := <-results
	if !first.stopped {
		// Closing both sockets ends the other direction as well.
		_ = h.Pair.Close()
	}
	second := <-results

	if first.stopped && second.stopped {
		disarm()
		_ = h.Pair.Client.SetDeadline(time.Time{})
		_ = h.Pair.Upstream.SetDeadline(time.Time{})
		obs.Debug("pair.surrender", fields)
		h.Sink <- handover.Socket{Pair: h.Pair}
		return
	}
	if first.stopped {
		// The other side finished while we were stopping.
		_ = h.Pair.Close()
	}
	if first.dropped || second.dropped {
		obs.DroppedTotal.Inc()
		if h.Stats != nil {
			h.Stats.Dropped.Add(1)
		}
		fields["duration"] = time.Since(start).String()
		fields["grace"] = grace.String()
		obs.Warn("pair.dropped", fields)
		return
	}
	obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	switch err := naturalErr(first, second); {
	case errors.Is(err, errIdle):
		fields["idle"] = true
	case err != nil:
		fields["err"] = err.Error()
		obs.ErrorsTotal.WithLabelValues("pair_io").Inc()
	}
	fields["duration"] = time.Since(start).String()
	obs.Debug("pair.end", fields)
}

// pump copies src to dst. The read deadline is armed before the shutdown
// check so a trigger landing between the two still interrupts the read.
// Idleness is measured across both directions: a deadline hit while the other
// direction saw traffic only re-arms the read.
func (h *Handler) pump(dst, src *net.TCPConn, dir string) pumpResult {
	buf := make([]byte, copyBufferSize)
	forwarded := obs.BytesTotal.WithLabelValues(dir)
	for {
		if h.IdleTimeout > 0 {
			_ = src.SetReadDeadline(time.Unix(0, h.lastActive.Load()).Add(h.IdleTimeout))
		}
		if h.Shutdown.IsShutdown() {
			return pumpResult{dir: dir, stopped: true}
		}
		n, err := src.Read(buf)
		if n > 0 {
			h.lastActive.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if errors.Is(werr, os.ErrDeadlineExceeded) && h.Shutdown.IsShutdown() {
					return pumpResult{dir: dir, dropped: true, err: werr}
				}
				return pumpResult{dir: dir, err: werr}
			}
			forwarded.Add(float64(n))
			h.Stats.addBytes(dir, n)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if h.Shutdown.IsShutdown() {
					return pumpResult{dir: dir, stopped: true}
				}
				if h.IdleTimeout > 0 && time.Since(time.Unix(0, h.lastActive.Load())) < h.IdleTimeout {
					continue
				}
			}
			if errors.Is(err, io.EOF) {
				return pumpResult{dir: dir}
			}
			return pumpResult{dir: dir, err: err}
		}
	}
}

// naturalErr returns the first error worth reporting. Errors caused by our own
// close of the pair are not.
func naturalErr(results ...pumpResult) error {
	for _, r := range results {
		if r.err == nil || errors.Is(r.err, net.ErrClosed) {
			continue
		}
		if errors.Is(r.err, os.ErrDeadlineExceeded) {
			return errIdle
		}
		return r.err
	}
	return nil
}

var errIdle = errors.New("idle timeout")

// onShutdown runs f once ctx is done. The returned func cancels f, or waits
// for it to finish if it already started, so no deadline set by f can land
// after the caller resets it.
func onShutdown(ctx context.Context, f func()) (disarm func()) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		f()
	})
	return sync.OnceFunc(func() {
		if !stop() {
			<-fired
		}
	})
}
