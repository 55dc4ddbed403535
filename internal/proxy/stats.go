package proxy

import "sync/atomic"

// Stats counts what one generation's listener and handlers did. The zero
// value is ready to use and a nil *Stats discards everything.
type Stats struct {
	Accepted        atomic.Uint64
	Resumed         atomic.Uint64
	Rejected        atomic.Uint64
	DialFailures    atomic.Uint64
	Dropped         atomic.Uint64 // pairs closed because a write outlived the shutdown grace
	HandedOver      atomic.Uint64 // pairs sent to a successor
	BytesUpstream   atomic.Uint64
	BytesDownstream atomic.Uint64
}

func (s *Stats) addBytes(dir string, n int) {
	if s == nil {
		return
	}
	if dir == "upstream" {
		s.BytesUpstream.Add(uint64(n))
	} else {
		s.BytesDownstream.Add(uint64(n))
	}
}
