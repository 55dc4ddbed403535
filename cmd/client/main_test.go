package main

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/assert"
	"gotest.tools/poll"
)

func TestRunWritesEveryMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	var received atomic.Int64
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				n, _ := io.Copy(io.Discard, c)
				received.Add(n)
			}()
		}
	}()

	cfg := Config{Addr: ln.Addr().String(), Conns: 5, Messages: 3, Interval: time.Millisecond, Payload: "Hello, server!"}
	rep := run(context.Background(), cfg)
	assert.Equal(t, rep.Connected, int64(5))
	assert.Equal(t, rep.Failed, int64(0))
	assert.Equal(t, rep.Written, int64(15))
	assert.Equal(t, rep.Bytes, int64(15*len(cfg.Payload)))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := received.Load(); got != rep.Bytes {
			return poll.Continue("received %d of %d bytes", got, rep.Bytes)
		}
		return poll.Success()
	})
	ln.Close()
}

func TestRunReportsDialFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rep := run(context.Background(), Config{Addr: addr, Conns: 2, Messages: 1, Interval: time.Millisecond})
	assert.Equal(t, rep.Failed, int64(2))
	assert.Equal(t, rep.Connected, int64(0))
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Addr, "127.0.0.1:8080")
	assert.Equal(t, cfg.Conns, 200)
	assert.Equal(t, cfg.Messages, 200)
	assert.Equal(t, cfg.Payload, "Hello, server!")
}
