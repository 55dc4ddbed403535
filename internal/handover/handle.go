package handover

import (
	"net"
	"os"

	"github.com/pkg/errors"
)

// ErrHandleSpent is returned when a Handle is used after its socket was
// moved out of it.
var ErrHandleSpent = errors.New("handover: handle already spent")

type handleKind int

const (
	connHandle handleKind = iota
	listenerHandle
)

func (k handleKind) String() string {
	if k == listenerHandle {
		return "listener"
	}
	return "conn"
}

// Handle owns one duplicated socket descriptor on its way across the process
// boundary. The socket is moved out exactly once: by sending it on a Channel,
// by converting it back into a live socket, or by closing the handle.
type Handle struct {
	kind handleKind
	file *os.File
}

// ConnHandle moves c into a Handle. c is closed and must not be used again;
// the connection itself stays open through the handle's descriptor.
func ConnHandle(c *net.TCPConn) (*Handle, error) {
	f, err := c.File()
	if err != nil {
		return nil, errors.Wrap(err, "handover: dup conn")
	}
	_ = c.Close()
	return &Handle{kind: connHandle, file: f}, nil
}

// ListenerHandle moves ln into a Handle. ln is closed and must not be used
// again; the listening socket keeps its backlog.
func ListenerHandle(ln *net.TCPListener) (*Handle, error) {
	f, err := ln.File()
	if err != nil {
		return nil, errors.Wrap(err, "handover: dup listener")
	}
	_ = ln.Close()
	return &Handle{kind: listenerHandle, file: f}, nil
}

func (h *Handle) take() (*os.File, error) {
	if h == nil || h.file == nil {
		return nil, ErrHandleSpent
	}
	f := h.file
	h.file = nil
	return f, nil
}

// Spent reports whether the socket has already been moved out.
func (h *Handle) Spent() bool { return h == nil || h.file == nil }

// TCPConn turns the handle back into a live connection.
func (h *Handle) TCPConn() (*net.TCPConn, error) {
	f, err := h.take()
	if err != nil {
		return nil, err
	}
	c, err := net.FileConn(f)
	f.Close() // FileConn made dup() inside.
	if err != nil {
		return nil, errors.Wrap(err, "handover: restore conn")
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("handover: descriptor is %T, not a TCP connection", c)
	}
	return tc, nil
}

// TCPListener turns the handle back into a live listener.
func (h *Handle) TCPListener() (*net.TCPListener, error) {
	f, err := h.take()
	if err != nil {
		return nil, err
	}
	ln, err := net.FileListener(f)
	f.Close() // FileListener made dup() inside.
	if err != nil {
		return nil, errors.Wrap(err, "handover: restore listener")
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, errors.Errorf("handover: descriptor is %T, not a TCP listener", ln)
	}
	return tl, nil
}

// Close releases the descriptor if it has not been moved out yet.
func (h *Handle) Close() error {
	f, err := h.take()
	if err != nil {
		return nil
	}
	return f.Close()
}

// SocketPair is one client connection and the upstream connection dialed
// for it. The two are forwarded, transferred and closed together.
type SocketPair struct {
	Client   *net.TCPConn
	Upstream *net.TCPConn
}

func (p *SocketPair) Close() error {
	err := p.Client.Close()
	if uerr := p.Upstream.Close(); err == nil {
		err = uerr
	}
	return err
}

// PairHandle is a SocketPair in transit.
type PairHandle struct {
	Client   *Handle
	Upstream *Handle
}

// NewPairHandle moves both sockets of p into handles. On failure every socket
// of the pair is closed.
func NewPairHandle(p *SocketPair) (PairHandle, error) {
	client, err := ConnHandle(p.Client)
	if err != nil {
		p.Close()
		return PairHandle{}, err
	}
	upstream, err := ConnHandle(p.Upstream)
	if err != nil {
		client.Close()
		p.Upstream.Close()
		return PairHandle{}, err
	}
	return PairHandle{Client: client, Upstream: upstream}, nil
}

// SocketPair restores the live pair.
func (ph PairHandle) SocketPair() (*SocketPair, error) {
	client, err := ph.Client.TCPConn()
	if err != nil {
		ph.Upstream.Close()
		return nil, err
	}
	upstream, err := ph.Upstream.TCPConn()
	if err != nil {
		client.Close()
		return nil, err
	}
	return &SocketPair{Client: client, Upstream: upstream}, nil
}

func (ph PairHandle) Close() error {
	err := ph.Client.Close()
	if uerr := ph.Upstream.Close(); err == nil {
		err = uerr
	}
	return err
}
