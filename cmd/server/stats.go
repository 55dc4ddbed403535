package main

import (
	"context"
	"os"
	"time"

	"github.com/matst80/hotproxy/internal/server"
	"github.com/matst80/hotproxy/internal/state"
)

// Stats represents current server stats for the state API.
type Stats struct {
	Generation     uint64           `json:"generation"`
	PID            int              `json:"pid"`
	Takeover       bool             `json:"takeover"`
	Listen         string           `json:"listen,omitempty"`
	Serving        bool             `json:"serving"`
	PermitsInUse   int              `json:"permits_in_use"`
	MaxConnections int              `json:"max_connections"`
	Accepted       uint64           `json:"accepted"`
	Resumed        uint64           `json:"resumed"`
	Rejected       uint64           `json:"rejected"`
	DialFailures   uint64           `json:"dial_failures"`
	Dropped        uint64           `json:"dropped"`
	Uptime         string           `json:"uptime"`
	Lifetime       *state.Counters  `json:"lifetime,omitempty"`
	Handovers      []state.Handover `json:"handovers,omitempty"`
	Now            string           `json:"now"`
}

func collectStats(ctx context.Context, srv *server.Server) Stats {
	gen := srv.Generation()
	inUse, size := srv.Permits()
	st := Stats{
		Generation:     gen.Number,
		PID:            os.Getpid(),
		Takeover:       gen.Takeover,
		Serving:        srv.Serving(),
		PermitsInUse:   inUse,
		MaxConnections: size,
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
	if !gen.Started.IsZero() {
		st.Uptime = time.Since(gen.Started).Round(time.Second).String()
	}
	if addr := srv.Addr(); addr != nil {
		st.Listen = addr.String()
	}
	if ls := srv.Stats(); ls != nil {
		st.Accepted = ls.Accepted.Load()
		st.Resumed = ls.Resumed.Load()
		st.Rejected = ls.Rejected.Load()
		st.DialFailures = ls.DialFailures.Load()
		st.Dropped = ls.Dropped.Load()
	}
	// The ledger is best effort here; a slow backend must not stall the API.
	if c, err := srv.Store().Counters(ctx); err == nil {
		st.Lifetime = &c
	}
	if h, err := srv.Store().Handovers(ctx); err == nil {
		st.Handovers = h
	}
	return st
}
