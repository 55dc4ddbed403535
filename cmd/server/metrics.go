package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/matst80/hotproxy/internal/proxy"
	"github.com/matst80/hotproxy/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func metricsHandler(srv *server.Server) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st := collectStats(ctx, srv)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !srv.Serving() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}
	return mux, nil
}

// serveMetrics serves Prometheus metrics plus health and state endpoints
// until ctx is done. The socket is bound with port reuse so the next
// generation can bind it while this one drains.
func serveMetrics(ctx context.Context, addr string, srv *server.Server) error {
	h, err := metricsHandler(srv)
	if err != nil {
		return err
	}
	ln, err := proxy.Listen(ctx, addr)
	if err != nil {
		return err
	}
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()
	obs.Info("metrics.listen", obs.Fields{"addr": ln.Addr().String()})
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		return err
	}
	return nil
}
