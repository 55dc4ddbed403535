package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	metaBucket      = []byte("meta")
	generationsKey  = []byte("generation")
	countersKey     = []byte("counters")
	historyBucket   = []byte("handovers")
	generationsBkt  = []byte("generations")
	boltOpenTimeout = 5 * time.Second
)

// boltStore keeps the ledger in a bbolt file. Two generations run side by
// side during a handover, so the file is opened for each transaction only and
// the exclusive lock is never held for long.
type boltStore struct {
	path string
}

// NewBolt returns a store backed by the file at path, creating it if needed.
func NewBolt(path string) (Store, error) {
	s := &boltStore{path: path}
	err := s.update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, historyBucket, generationsBkt} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

var _ Store = (*boltStore)(nil)

func (s *boltStore) open(readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{
		Timeout:      boltOpenTimeout,
		FreelistType: bbolt.FreelistMapType,
		ReadOnly:     readOnly,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "state: open %s", s.path)
	}
	return db, nil
}

func (s *boltStore) update(fn func(*bbolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return errors.Wrap(db.Update(fn), "state: update")
}

func (s *boltStore) view(fn func(*bbolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return errors.Wrap(db.View(fn), "state: view")
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (s *boltStore) BeginGeneration(_ context.Context, g Generation) (Generation, error) {
	err := s.update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		g.Number = nextNumber(btoi(meta.Get(generationsKey)), g.Previous)
		if err := meta.Put(generationsKey, itob(g.Number)); err != nil {
			return err
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return tx.Bucket(generationsBkt).Put(itob(g.Number), data)
	})
	return g, err
}

func (s *boltStore) RecordHandover(_ context.Context, h Handover) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "state: encode handover")
	}
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(historyBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		// Keys are sequence numbers, so the oldest entries come first.
		var keys [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for len(keys) > historyLimit {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
}

func (s *boltStore) Handovers(context.Context) ([]Handover, error) {
	var out []Handover
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(_, v []byte) error {
			var h Handover
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) AddCounters(_ context.Context, delta Counters) error {
	return s.update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		var c Counters
		if raw := meta.Get(countersKey); raw != nil {
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
		}
		c.add(delta)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return meta.Put(countersKey, data)
	})
}

func (s *boltStore) Counters(context.Context) (Counters, error) {
	var c Counters
	err := s.view(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(countersKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &c)
	})
	return c, err
}

func (s *boltStore) Close() error { return nil }
