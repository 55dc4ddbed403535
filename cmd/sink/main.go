// Command sink is a minimal upstream for trying the proxy out. It listens on
// every port given as an argument, prints a dot per received chunk and logs
// totals on exit. With --echo it writes everything back.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/matst80/hotproxy/internal/obs"
	"github.com/spf13/pflag"
)

type sink struct {
	echo  bool
	dots  io.Writer
	conns atomic.Int64
	bytes atomic.Int64

	mu      sync.Mutex
	open    map[net.Conn]struct{}
	stopped bool
	wg      sync.WaitGroup
}

func main() {
	fs := pflag.NewFlagSet("hotproxy-sink", pflag.ExitOnError)
	echo := fs.Bool("echo", false, "echo received data back to the sender")
	quiet := fs.BoolP("quiet", "q", false, "do not print a dot per chunk")
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: sink [--echo] PORT...")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &sink{echo: *echo, dots: os.Stdout}
	if *quiet {
		s.dots = io.Discard
	}
	var lns []net.Listener
	for _, port := range fs.Args() {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
		if err != nil {
			obs.Error("sink.listen", obs.Fields{"port": port, "err": err.Error()})
			os.Exit(1)
		}
		obs.Info("sink.listen", obs.Fields{"addr": ln.Addr().String()})
		lns = append(lns, ln)
		go s.serve(ln)
	}

	<-ctx.Done()
	for _, ln := range lns {
		ln.Close()
	}
	s.stop()
	fmt.Fprintln(s.dots)
	obs.Info("sink.done", obs.Fields{"connections": s.conns.Load(), "bytes": s.bytes.Load()})
}

func (s *sink) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		if !s.track(c) {
			c.Close()
			return
		}
		s.conns.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handle(c)
		}()
	}
}

func (s *sink) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if s.open == nil {
		s.open = make(map[net.Conn]struct{})
	}
	s.open[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *sink) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.open, c)
	s.mu.Unlock()
}

// stop closes every open connection and waits for their handlers.
func (s *sink) stop() {
	s.mu.Lock()
	s.stopped = true
	for c := range s.open {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *sink) handle(c net.Conn) {
	defer c.Close()
	buf := make([]byte, 32<<10)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			s.bytes.Add(int64(n))
			_, _ = io.WriteString(s.dots, ".")
			if s.echo {
				if _, werr := c.Write(buf[:n]); werr != nil {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				obs.Debug("sink.read", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
			}
			return
		}
	}
}
