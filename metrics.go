package iscsi

import "github.com/prometheus/client_golang/prometheus"

// targetMetrics groups the counters a TargetServer maintains for
// observability: connections opened and closed, PDUs dispatched, login
// failures, and bytes read and written. Each TargetServer gets its own registry so multiple targets
// in one process never collide on metric names.
type targetMetrics struct {
	registry       *prometheus.Registry
	sessionsOpened prometheus.Counter
	sessionsClosed prometheus.Counter
	pdusProcessed  prometheus.Counter
	loginFailures  prometheus.Counter
	bytesRead      prometheus.Counter
	bytesWritten   prometheus.Counter
}

func newMetrics() *targetMetrics {
	reg := prometheus.NewRegistry()
	m := &targetMetrics{
		registry: reg,
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_sessions_opened_total",
			Help: "Total TCP connections accepted by the target.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_sessions_closed_total",
			Help: "Total TCP connections closed by the target.",
		}),
		pdusProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_pdus_processed_total",
			Help: "Total PDUs successfully dispatched.",
		}),
		loginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_login_failures_total",
			Help: "Total Login Requests rejected.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_bytes_read_total",
			Help: "Total bytes returned to initiators by READ commands.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iscsi_bytes_written_total",
			Help: "Total bytes accepted from initiators by WRITE commands.",
		}),
	}
	reg.MustRegister(m.sessionsOpened, m.sessionsClosed, m.pdusProcessed, m.loginFailures, m.bytesRead, m.bytesWritten)
	return m
}

// Registry exposes the target's prometheus registry so a caller can serve
// /metrics externally (e.g. via promhttp.HandlerFor).
func (t *TargetServer) Registry() *prometheus.Registry { return t.metrics.registry }
