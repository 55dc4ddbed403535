// Package shutdown provides the per-generation shutdown broadcast.
//
// A Notifier is triggered at most once. Every Shutdown subscription, whether
// taken before or after the trigger, observes it: waiting on an already
// triggered signal returns immediately.
package shutdown

import (
	"context"
	"sync"
)

type Notifier struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers int
}

func New() *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{ctx: ctx, cancel: cancel}
}

// Trigger fires the signal. Calls after the first are no-ops.
func (n *Notifier) Trigger() { n.cancel() }

// Triggered reports whether Trigger has been called.
func (n *Notifier) Triggered() bool { return n.ctx.Err() != nil }

// Done is closed once the signal fires.
func (n *Notifier) Done() <-chan struct{} { return n.ctx.Done() }

// Context is cancelled when the signal fires.
func (n *Notifier) Context() context.Context { return n.ctx }

// Subscribe returns a new subscription. Release it when the subscriber exits.
func (n *Notifier) Subscribe() *Shutdown {
	n.mu.Lock()
	n.subscribers++
	n.mu.Unlock()
	return &Shutdown{n: n}
}

// Subscribers returns the number of unreleased subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribers
}

// Shutdown is one subscriber's view of a Notifier.
// It is safe for concurrent use.
type Shutdown struct {
	n    *Notifier
	once sync.Once
}

// IsShutdown reports whether the signal has fired. Once true it stays true.
func (s *Shutdown) IsShutdown() bool { return s.n.Triggered() }

// Wait blocks until the signal fires.
func (s *Shutdown) Wait() { <-s.n.Done() }

func (s *Shutdown) Done() <-chan struct{} { return s.n.Done() }

func (s *Shutdown) Context() context.Context { return s.n.ctx }

// Release drops the subscription.
func (s *Shutdown) Release() {
	s.once.Do(func() {
		s.n.mu.Lock()
		s.n.subscribers--
		s.n.mu.Unlock()
	})
}
