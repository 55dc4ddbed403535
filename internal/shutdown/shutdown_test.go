package shutdown

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gotest.tools/assert"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIsShutdownIdempotent(t *testing.T) {
	n := New()
	subs := make([]*Shutdown, 8)
	for i := range subs {
		subs[i] = n.Subscribe()
		assert.Assert(t, !subs[i].IsShutdown())
	}

	n.Trigger()
	n.Trigger()

	for i := 0; i < 3; i++ {
		for _, s := range subs {
			assert.Assert(t, s.IsShutdown())
		}
	}
	assert.Assert(t, n.Triggered())
}

func TestWaitWakesAllSubscribers(t *testing.T) {
	n := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		s := n.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.Release()
			s.Wait()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	n.Trigger()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribers were not woken by Trigger")
	}
	assert.Equal(t, n.Subscribers(), 0)
}

func TestLateSubscriberSeesTrigger(t *testing.T) {
	n := New()
	n.Trigger()

	s := n.Subscribe()
	defer s.Release()
	assert.Assert(t, s.IsShutdown())

	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked after the signal had already fired")
	}
	assert.Assert(t, s.Context().Err() != nil)
}

func TestReleaseOnce(t *testing.T) {
	n := New()
	s := n.Subscribe()
	n.Subscribe()
	assert.Equal(t, n.Subscribers(), 2)

	s.Release()
	s.Release()
	assert.Equal(t, n.Subscribers(), 1)
}
