package handover

import (
	"net"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/matst80/hotproxy/internal/proto"
)

// Socket is one item fed to the collector: either a live pair surrendered by
// a connection handler or the listening socket surrendered by the accept loop.
type Socket struct {
	Pair     *SocketPair
	Listener *net.TCPListener
}

// Resources is the transferable state of one generation.
type Resources struct {
	Pairs    []PairHandle
	Listener *Handle
}

// Len returns the number of descriptors held by r.
func (r *Resources) Len() int {
	n := 2 * len(r.Pairs)
	if r.Listener != nil {
		n++
	}
	return n
}

// Collect drains sockets until the channel is closed, that is until every
// sender has finished, and moves everything it receives into one bundle.
// Sockets that cannot be duplicated are closed and reported in the returned
// error; the bundle still holds every other socket.
func Collect(sockets <-chan Socket) (*Resources, error) {
	var (
		res  = &Resources{}
		merr *multierror.Error
	)
	for s := range sockets {
		switch {
		case s.Pair != nil:
			ph, err := NewPairHandle(s.Pair)
			if err != nil {
				merr = multierror.Append(merr, err)
				obs.ErrorsTotal.WithLabelValues("collect_pair").Inc()
				continue
			}
			res.Pairs = append(res.Pairs, ph)
		case s.Listener != nil:
			if res.Listener != nil {
				// Only one accept loop exists per generation.
				_ = s.Listener.Close()
				continue
			}
			h, err := ListenerHandle(s.Listener)
			if err != nil {
				merr = multierror.Append(merr, err)
				obs.ErrorsTotal.WithLabelValues("collect_listener").Inc()
				continue
			}
			res.Listener = h
		}
	}
	return res, merr.ErrorOrNil()
}

// SocketPairs restores every pair. On error all remaining handles are closed.
func (r *Resources) SocketPairs() ([]*SocketPair, error) {
	pairs := make([]*SocketPair, 0, len(r.Pairs))
	for i, ph := range r.Pairs {
		p, err := ph.SocketPair()
		if err != nil {
			for _, rest := range r.Pairs[i+1:] {
				rest.Close()
			}
			for _, p := range pairs {
				p.Close()
			}
			return nil, err
		}
		pairs = append(pairs, p)
	}
	r.Pairs = nil
	return pairs, nil
}

// Close releases every descriptor that has not been moved out.
func (r *Resources) Close() error {
	var merr *multierror.Error
	if r.Listener != nil {
		if err := r.Listener.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, ph := range r.Pairs {
		if err := ph.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// release moves every descriptor out of r, listener first, then each pair as
// client followed by upstream.
func (r *Resources) release() ([]*os.File, []proto.Role) {
	files := make([]*os.File, 0, r.Len())
	roles := make([]proto.Role, 0, r.Len())
	if f, err := r.Listener.take(); err == nil {
		files = append(files, f)
		roles = append(roles, proto.RoleListener)
	}
	for _, ph := range r.Pairs {
		c, cerr := ph.Client.take()
		u, uerr := ph.Upstream.take()
		if cerr != nil || uerr != nil {
			// A half-spent pair cannot be resumed on the other side.
			closeFiles(c, u)
			continue
		}
		files = append(files, c, u)
		roles = append(roles, proto.RoleClient, proto.RoleUpstream)
	}
	return files, roles
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
