package handover

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"time"

	"github.com/matst80/hotproxy/internal/proto"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// maxFilesPerMessage stays well below the kernel's SCM_MAX_FD.
	maxFilesPerMessage = 64
	maxMessageSize     = 64 << 10
)

var aLongTimeAgo = time.Unix(1, 0)

// Channel is one end of a SOCK_SEQPACKET unix connection carrying control
// messages and the descriptors attached to them.
type Channel struct {
	conn *net.UnixConn
}

func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// Send writes msg with files attached as SCM_RIGHTS. The files are consumed:
// they are closed when Send returns, whatever the outcome, so the sender can
// never touch the sockets again.
func (c *Channel) Send(msg proto.Message, files ...*os.File) error {
	defer closeFiles(files...)

	if len(files) != len(msg.Roles) {
		return errors.Errorf("handover: %d descriptors for %d roles", len(files), len(msg.Roles))
	}
	if len(files) > maxFilesPerMessage {
		return errors.Errorf("handover: %d descriptors exceed the per-message limit", len(files))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "handover: encode message")
	}
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := c.conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return errors.Wrapf(err, "handover: send %s", msg.Kind)
	}
	if n < len(data) || oobn < len(oob) {
		return errors.Wrapf(io.ErrShortWrite, "handover: send %s", msg.Kind)
	}
	return nil
}

// Recv reads the next message. The caller owns the returned files. Recv gives
// up when ctx is done.
func (c *Channel) Recv(ctx context.Context) (proto.Message, []*os.File, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	var (
		msg proto.Message
		buf = make([]byte, maxMessageSize)
		oob = make([]byte, unix.CmsgSpace(maxFilesPerMessage*4))
	)
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if ctx.Err() != nil {
			return msg, nil, errors.Wrap(ctx.Err(), "handover: receive")
		}
		return msg, nil, errors.Wrap(err, "handover: receive")
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		closeFiles(files...)
		return msg, nil, err
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeFiles(files...)
		return msg, nil, errors.Wrap(ErrProtocol, "truncated message")
	}
	if n == 0 && len(files) == 0 {
		return msg, nil, io.EOF
	}
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		closeFiles(files...)
		return msg, nil, errors.Wrapf(ErrProtocol, "decode message: %v", err)
	}
	if len(files) != len(msg.Roles) {
		closeFiles(files...)
		return msg, nil, errors.Wrapf(ErrProtocol, "%s carries %d descriptors for %d roles", msg.Kind, len(files), len(msg.Roles))
	}
	return msg, files, nil
}

func (c *Channel) Close() error { return c.conn.Close() }

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "handover: parse control message")
	}
	var files []*os.File
	for i := range scms {
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			return files, errors.Wrap(err, "handover: parse rights")
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "handover"))
		}
	}
	return files, nil
}
