package proxy

import (
	"context"
	"sync/atomic"

	"github.com/matst80/hotproxy/internal/obs"
	"golang.org/x/sync/semaphore"
)

// DefaultPermits bounds the number of concurrently proxied connection pairs.
const DefaultPermits = 250

// Admission hands out connection permits. A permit is held by a handler for
// the whole life of its pair and returned exactly once.
type Admission struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

func NewAdmission(n int) *Admission {
	if n <= 0 {
		n = DefaultPermits
	}
	return &Admission{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a permit is free or ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	obs.PermitsInUse.Set(float64(a.inUse.Add(1)))
	return nil
}

func (a *Admission) TryAcquire() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	obs.PermitsInUse.Set(float64(a.inUse.Add(1)))
	return true
}

func (a *Admission) Release() {
	obs.PermitsInUse.Set(float64(a.inUse.Add(-1)))
	a.sem.Release(1)
}

// InUse returns the number of permits currently held.
func (a *Admission) InUse() int { return int(a.inUse.Load()) }

func (a *Admission) Size() int { return int(a.size) }
