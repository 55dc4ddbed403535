package handover

import (
	"context"
	"fmt"
	"os"

	"github.com/matst80/hotproxy/internal/proto"
	"github.com/pkg/errors"
)

// ErrProtocol marks a peer that broke the handover exchange.
var ErrProtocol = errors.New("handover: protocol violation")

// UnexpectedMessageError reports a message of the wrong kind.
type UnexpectedMessageError struct {
	Want []proto.Kind
	Got  proto.Kind
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("handover: protocol violation: expected %v, got %q", e.Want, e.Got)
}

func (e *UnexpectedMessageError) Unwrap() error { return ErrProtocol }

// Expect receives one message and fails unless its kind is one of kinds.
func (c *Channel) Expect(ctx context.Context, kinds ...proto.Kind) (proto.Message, []*os.File, error) {
	msg, files, err := c.Recv(ctx)
	if err != nil {
		return msg, nil, err
	}
	for _, k := range kinds {
		if msg.Kind == k {
			return msg, files, nil
		}
	}
	closeFiles(files...)
	return msg, nil, &UnexpectedMessageError{Want: kinds, Got: msg.Kind}
}

// SendResources moves every descriptor of r to the peer: a Resources header
// followed by ResourceChunk datagrams of at most maxFilesPerMessage
// descriptors. hdr supplies PID and generation. r is empty afterwards and the
// descriptors are closed locally whether or not the peer got them.
func (c *Channel) SendResources(r *Resources, hdr proto.Message) error {
	files, roles := r.release()
	r.Pairs = nil

	hdr.Kind = proto.Resources
	hdr.Roles = nil
	hdr.Listener = len(roles) > 0 && roles[0] == proto.RoleListener
	hdr.Pairs = len(roles) / 2
	hdr.Chunks = (len(files) + maxFilesPerMessage - 1) / maxFilesPerMessage
	if err := c.Send(hdr); err != nil {
		closeFiles(files...)
		return err
	}
	for seq := 0; seq < hdr.Chunks; seq++ {
		lo := seq * maxFilesPerMessage
		hi := min(lo+maxFilesPerMessage, len(files))
		chunk := proto.Message{Kind: proto.ResourceChunk, Generation: hdr.Generation, Seq: seq, Roles: roles[lo:hi]}
		if err := c.Send(chunk, files[lo:hi]...); err != nil {
			closeFiles(files[hi:]...)
			return errors.Wrapf(err, "chunk %d/%d", seq+1, hdr.Chunks)
		}
	}
	return nil
}

// RecvResources reads a Resources header and all of its chunks and rebuilds
// the bundle. Any inconsistency is a protocol violation and every received
// descriptor is closed.
func (c *Channel) RecvResources(ctx context.Context) (*Resources, proto.Message, error) {
	hdr, files, err := c.Expect(ctx, proto.Resources)
	if err != nil {
		return nil, hdr, err
	}
	if len(files) != 0 || hdr.Pairs < 0 || hdr.Chunks < 0 {
		closeFiles(files...)
		return nil, hdr, errors.Wrapf(ErrProtocol, "malformed header %s", hdr)
	}

	want := expectedRoles(hdr)
	var (
		all   []*os.File
		roles []proto.Role
	)
	fail := func(err error) (*Resources, proto.Message, error) {
		closeFiles(all...)
		return nil, hdr, err
	}
	for seq := 0; seq < hdr.Chunks; seq++ {
		msg, fs, err := c.Expect(ctx, proto.ResourceChunk)
		all = append(all, fs...)
		if err != nil {
			return fail(err)
		}
		if msg.Seq != seq {
			return fail(errors.Wrapf(ErrProtocol, "chunk %d arrived as %d", seq, msg.Seq))
		}
		roles = append(roles, msg.Roles...)
	}
	if len(roles) != len(want) {
		return fail(errors.Wrapf(ErrProtocol, "got %d descriptors, header announced %d", len(roles), len(want)))
	}
	for i := range want {
		if roles[i] != want[i] {
			return fail(errors.Wrapf(ErrProtocol, "descriptor %d is %q, want %q", i, roles[i], want[i]))
		}
	}

	res := &Resources{}
	i := 0
	if hdr.Listener {
		res.Listener = &Handle{kind: listenerHandle, file: all[0]}
		i = 1
	}
	for ; i < len(all); i += 2 {
		res.Pairs = append(res.Pairs, PairHandle{
			Client:   &Handle{kind: connHandle, file: all[i]},
			Upstream: &Handle{kind: connHandle, file: all[i+1]},
		})
	}
	return res, hdr, nil
}

func expectedRoles(hdr proto.Message) []proto.Role {
	roles := make([]proto.Role, 0, 2*hdr.Pairs+1)
	if hdr.Listener {
		roles = append(roles, proto.RoleListener)
	}
	for range hdr.Pairs {
		roles = append(roles, proto.RoleClient, proto.RoleUpstream)
	}
	return roles
}
