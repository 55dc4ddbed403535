package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/matst80/hotproxy/internal/config"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/matst80/hotproxy/internal/server"
	"github.com/matst80/hotproxy/internal/state"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		obs.Error("server.fatal", obs.Fields{"err": err.Error()})
		fmt.Fprintln(os.Stderr, "hotproxy:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if flags.Debug {
		obs.EnableDebug(true)
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			obs.Warn("gops.listen", obs.Err(err, obs.Fields{}))
		} else {
			defer agent.Close()
		}
	}

	store, err := state.Open(cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()

	obs.Info("server.start", obs.Fields{
		"listen":   cfg.Listen,
		"upstream": cfg.Upstream,
		"control":  cfg.ControlSocket,
		"metrics":  cfg.MetricsAddr,
		"takeover": flags.Takeover,
		"pid":      os.Getpid(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, flags.Takeover, store)
	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	g.Go(func() error {
		// Run returning, even cleanly, ends the generation.
		defer stopMetrics()
		return srv.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-metricsCtx.Done():
				return nil
			}
			// Losing the metrics endpoint must not drop client connections.
			if err := serveMetrics(metricsCtx, cfg.MetricsAddr, srv); err != nil {
				obs.Warn("metrics.exit", obs.Err(err, obs.Fields{}))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	obs.Info("server.exit", obs.Fields{"generation": srv.Generation().Number})
	return nil
}
