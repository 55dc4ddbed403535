// Package state keeps the generation ledger: one entry per process
// generation, one per completed handover, and lifetime counters that survive
// restarts.
package state

import (
	"context"
	"time"

	"github.com/matst80/hotproxy/internal/config"
	"github.com/matst80/hotproxy/internal/obs"
	"github.com/pkg/errors"
)

// historyLimit bounds the number of handovers kept by every backend.
const historyLimit = 100

// Generation describes one process instance.
type Generation struct {
	Number    uint64    `json:"number"`
	PID       int       `json:"pid"`
	Started   time.Time `json:"started"`
	Takeover  bool      `json:"takeover"`
	Pairs     int       `json:"pairs"`
	Listener  bool      `json:"listener"`
	Previous  uint64    `json:"previous,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Listening string    `json:"listening,omitempty"`
}

// Handover describes one completed transfer to a successor.
type Handover struct {
	From     uint64        `json:"from"`
	PID      int           `json:"pid"`
	PeerPID  int           `json:"peer_pid"`
	Pairs    int           `json:"pairs"`
	Listener bool          `json:"listener"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Counters are lifetime totals summed over all generations.
type Counters struct {
	Accepted        uint64 `json:"accepted"`
	Resumed         uint64 `json:"resumed"`
	HandedOver      uint64 `json:"handed_over"`
	Rejected        uint64 `json:"rejected"`
	DialFailures    uint64 `json:"dial_failures"`
	Dropped         uint64 `json:"dropped"`
	BytesUpstream   uint64 `json:"bytes_upstream"`
	BytesDownstream uint64 `json:"bytes_downstream"`
}

func (c *Counters) add(d Counters) {
	c.Accepted += d.Accepted
	c.Resumed += d.Resumed
	c.HandedOver += d.HandedOver
	c.Rejected += d.Rejected
	c.DialFailures += d.DialFailures
	c.Dropped += d.Dropped
	c.BytesUpstream += d.BytesUpstream
	c.BytesDownstream += d.BytesDownstream
}

// Store abstracts the ledger so generations on one host can share a file and
// generations on several hosts can share Redis.
type Store interface {
	// BeginGeneration assigns g the next generation number, never lower than
	// g.Previous+1, and records it.
	BeginGeneration(ctx context.Context, g Generation) (Generation, error)
	RecordHandover(ctx context.Context, h Handover) error
	Handovers(ctx context.Context) ([]Handover, error)
	AddCounters(ctx context.Context, delta Counters) error
	Counters(ctx context.Context) (Counters, error)
	Close() error
}

// Open creates the backend selected by cfg.
func Open(cfg config.State) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	case "bolt":
		obs.Info("state.backend", obs.Fields{"type": "bolt", "path": cfg.Path})
		return NewBolt(cfg.Path)
	case "redis":
		obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return nil, errors.Errorf("state: unknown backend %q", cfg.Backend)
}

func nextNumber(last, previous uint64) uint64 {
	return max(last, previous) + 1
}
