package handover

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/matst80/hotproxy/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Rendezvous is the well-known unix socket a successor dials to reach the
// running generation. It serves exactly one peer and is torn down (and its
// path unlinked) as soon as that peer has been given a dedicated channel.
type Rendezvous struct {
	ln   *net.UnixListener
	path string
	once sync.Once
	err  error
}

// Bind creates the rendezvous socket at path, replacing a stale one.
func Bind(path string) (*Rendezvous, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, errors.Wrapf(err, "handover: remove stale %s", path)
	}
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, errors.Wrapf(err, "handover: bind %s", path)
	}
	ln.SetUnlinkOnClose(true)
	return &Rendezvous{ln: ln, path: path}, nil
}

func (r *Rendezvous) Path() string { return r.path }

// Close unbinds the rendezvous. It is safe to call more than once.
func (r *Rendezvous) Close() error {
	r.once.Do(func() { r.err = r.ln.Close() })
	return r.err
}

// Accept waits for a successor, hands it one end of a fresh socketpair in a
// GiveSender message stamped with hello's PID and generation, closes the
// rendezvous and returns the other end.
func (r *Rendezvous) Accept(ctx context.Context, hello proto.Message) (*Channel, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = r.ln.SetDeadline(aLongTimeAgo)
	})
	defer stop()
	defer r.Close()

	conn, err := r.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "handover: accept")
		}
		return nil, errors.Wrap(err, "handover: accept")
	}
	boot := NewChannel(conn)
	defer boot.Close()

	local, remote, err := socketpair()
	if err != nil {
		return nil, err
	}
	hello.Kind = proto.GiveSender
	hello.Roles = []proto.Role{proto.RoleChannel}
	if err := boot.Send(hello, remote); err != nil {
		local.Close()
		return nil, err
	}
	return local, nil
}

// Connect dials the rendezvous at path and waits for GiveSender. It returns
// the dedicated channel and the predecessor's greeting.
func Connect(ctx context.Context, path string) (*Channel, proto.Message, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, proto.Message{}, errors.Wrapf(err, "handover: dial %s", path)
	}
	boot := NewChannel(c.(*net.UnixConn))
	defer boot.Close()

	msg, files, err := boot.Recv(ctx)
	if err != nil {
		return nil, msg, err
	}
	if msg.Kind != proto.GiveSender || len(files) != 1 || msg.Roles[0] != proto.RoleChannel {
		closeFiles(files...)
		return nil, msg, &UnexpectedMessageError{Want: []proto.Kind{proto.GiveSender}, Got: msg.Kind}
	}
	ch, err := fileChannel(files[0])
	if err != nil {
		return nil, msg, err
	}
	return ch, msg, nil
}

func socketpair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "handover: socketpair")
	}
	remote := os.NewFile(uintptr(fds[1]), "handover-remote")
	local, err := fileChannel(os.NewFile(uintptr(fds[0]), "handover-local"))
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	return local, remote, nil
}

func fileChannel(f *os.File) (*Channel, error) {
	c, err := net.FileConn(f)
	f.Close() // FileConn made dup() inside.
	if err != nil {
		return nil, errors.Wrap(err, "handover: restore channel")
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("handover: descriptor is %T, not a unix connection", c)
	}
	return NewChannel(uc), nil
}
