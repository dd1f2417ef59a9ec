package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Synchronizer
	MergeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_merge_total", Help: "Inbound merge outcomes."},
		[]string{"result"}, // inserted | deduped | replaced_provisional
	)
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stream_reconcile_total", Help: "Provisional reconciliation outcomes."},
		[]string{"result"}, // confirmed | redundant | failed | unknown
	)

	// Send pipeline
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "send_total", Help: "Send attempt outcomes."},
		[]string{"outcome"}, // ok | timeout | server_error | transport_error
	)
	RetryTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "send_retry_total", Help: "User-initiated retries."})
	DiscardTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "send_discard_total", Help: "User-initiated discards of failed sends."})

	// Transport
	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "push_events_total", Help: "Decoded push events by stream."},
		[]string{"stream"}, // message | conversation | typing
	)
	PushDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "push_events_dropped_total", Help: "Push events dropped before routing."},
		[]string{"reason"}, // decode | malformed
	)
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{Name: "transport_reconnects_total", Help: "Transport reconnect attempts."})

	// Bus
	BusDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_events_dropped_total", Help: "Bus events dropped on full subscriber buffers."})
)

// MustRegister registers default and application collectors.
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		MergeTotal, ReconcileTotal,
		SendTotal, RetryTotal, DiscardTotal,
		PushEvents, PushDropped, Reconnects,
		BusDropped,
	)
}
