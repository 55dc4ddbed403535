package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections      = promauto.NewGauge(prometheus.GaugeOpts{Name: "hotproxy_active_connections", Help: "Connection pairs currently proxied"})
	PermitsInUse           = promauto.NewGauge(prometheus.GaugeOpts{Name: "hotproxy_permits_in_use", Help: "Admission permits currently held"})
	Generation             = promauto.NewGauge(prometheus.GaugeOpts{Name: "hotproxy_generation", Help: "Generation number of this process"})
	AcceptedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "hotproxy_accepted_total", Help: "Client connections accepted"})
	ResumedTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "hotproxy_resumed_total", Help: "Connection pairs resumed after a handover"})
	HandedOverTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hotproxy_handed_over_total", Help: "Sockets handed over to a successor"}, []string{"kind"})
	DroppedTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "hotproxy_dropped_total", Help: "Pairs closed on shutdown because a write did not finish within the grace period"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "hotproxy_rejected_total", Help: "Clients rejected by the rate limiter"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hotproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "hotproxy_bytes_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "hotproxy_session_duration_seconds", Help: "Lifetime of naturally ended sessions", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	HandoverDuration       = promauto.NewHistogram(prometheus.HistogramOpts{Name: "hotproxy_handover_duration_seconds", Help: "Time from takeover request to resources sent", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14)})
)
