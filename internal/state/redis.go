package state

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyGeneration  = "hotproxy:generation"
	keyGenerations = "hotproxy:generations"
	keyHandovers   = "hotproxy:handovers"
	keyCounters    = "hotproxy:counters"
)

// nextGeneration bumps the counter to max(current, previous)+1 atomically.
var nextGeneration = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(ARGV[1])
if prev > cur then cur = prev end
cur = cur + 1
redis.call('SET', KEYS[1], cur)
return cur
`)

// redisStore shares the ledger between every generation pointed at the same
// Redis database.
type redisStore struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "state: redis connection failed")
	}
	return &redisStore{client: rdb}, nil
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) BeginGeneration(ctx context.Context, g Generation) (Generation, error) {
	n, err := nextGeneration.Run(ctx, r.client, []string{keyGeneration}, g.Previous).Uint64()
	if err != nil {
		return g, errors.Wrap(err, "state: redis next generation")
	}
	g.Number = n
	data, err := json.Marshal(g)
	if err != nil {
		return g, errors.Wrap(err, "state: encode generation")
	}
	if err := r.client.HSet(ctx, keyGenerations, strconv.FormatUint(n, 10), data).Err(); err != nil {
		return g, errors.Wrap(err, "state: redis record generation")
	}
	return g, nil
}

func (r *redisStore) RecordHandover(ctx context.Context, h Handover) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "state: encode handover")
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, keyHandovers, data)
		p.LTrim(ctx, keyHandovers, 0, historyLimit-1)
		return nil
	})
	return errors.Wrap(err, "state: redis record handover")
}

func (r *redisStore) Handovers(ctx context.Context) ([]Handover, error) {
	raw, err := r.client.LRange(ctx, keyHandovers, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "state: redis handovers")
	}
	out := make([]Handover, 0, len(raw))
	for _, s := range raw {
		var h Handover
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			return nil, errors.Wrap(err, "state: decode handover")
		}
		out = append(out, h)
	}
	// LPUSH keeps the newest first.
	slices.Reverse(out)
	return out, nil
}

func counterFields(c *Counters) map[string]*uint64 {
	return map[string]*uint64{
		"accepted":         &c.Accepted,
		"resumed":          &c.Resumed,
		"handed_over":      &c.HandedOver,
		"rejected":         &c.Rejected,
		"dial_failures":    &c.DialFailures,
		"dropped":          &c.Dropped,
		"bytes_upstream":   &c.BytesUpstream,
		"bytes_downstream": &c.BytesDownstream,
	}
}

func (r *redisStore) AddCounters(ctx context.Context, delta Counters) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for field, v := range counterFields(&delta) {
			if *v > 0 {
				p.HIncrBy(ctx, keyCounters, field, int64(*v))
			}
		}
		return nil
	})
	return errors.Wrap(err, "state: redis add counters")
}

func (r *redisStore) Counters(ctx context.Context) (Counters, error) {
	var c Counters
	raw, err := r.client.HGetAll(ctx, keyCounters).Result()
	if err != nil {
		return c, errors.Wrap(err, "state: redis counters")
	}
	for field, v := range counterFields(&c) {
		if s, ok := raw[field]; ok {
			if *v, err = strconv.ParseUint(s, 10, 64); err != nil {
				return c, errors.Wrapf(err, "state: counter %s", field)
			}
		}
	}
	return c, nil
}

func (r *redisStore) Close() error { return r.client.Close() }
