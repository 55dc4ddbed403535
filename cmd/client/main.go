// Command client holds many long-lived connections open through the proxy
// and writes on them periodically, so a takeover can be observed under load.
// Any connection that breaks is reported.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matst80/hotproxy/internal/obs"
)

// Report summarizes one load run.
type Report struct {
	Connected int64
	Failed    int64
	Written   int64
	Bytes     int64
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("client.start", obs.Fields{"addr": cfg.Addr, "conns": cfg.Conns, "messages": cfg.Messages, "interval": cfg.Interval.String()})
	rep := run(ctx, cfg)
	obs.Info("client.done", obs.Fields{"connected": rep.Connected, "failed": rep.Failed, "written": rep.Written, "bytes": rep.Bytes})
	if rep.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d connections failed\n", rep.Failed, cfg.Conns)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) Report {
	var (
		wg                                sync.WaitGroup
		connected, failed, written, bytes atomic.Int64
	)
	for i := 0; i < cfg.Conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var d net.Dialer
			c, err := d.DialContext(ctx, "tcp", cfg.Addr)
			if err != nil {
				obs.Error("client.dial", obs.Fields{"id": id, "err": err.Error()})
				failed.Add(1)
				return
			}
			defer c.Close()
			connected.Add(1)

			t := time.NewTicker(cfg.Interval)
			defer t.Stop()
			for n := 0; n < cfg.Messages; n++ {
				m, err := c.Write([]byte(cfg.Payload))
				if err != nil {
					obs.Error("client.write", obs.Fields{"id": id, "message": n, "err": err.Error()})
					failed.Add(1)
					return
				}
				written.Add(1)
				bytes.Add(int64(m))
				if n == cfg.Messages-1 {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
		}(i)
	}
	wg.Wait()
	return Report{Connected: connected.Load(), Failed: failed.Load(), Written: written.Load(), Bytes: bytes.Load()}
}
