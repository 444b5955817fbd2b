package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	Generation = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerwatch",
		Name:      "generation",
		Help:      "Generation of the currently published membership view",
	})

	Peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerwatch",
		Name:      "peers",
		Help:      "Number of peers in the published view, excluding self",
	})

	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Name:      "events_total",
		Help:      "Membership events emitted, by type",
	}, []string{"type"})

	Commits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Name:      "commits_total",
		Help:      "Recompute passes that produced a new generation",
	})

	Coalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Name:      "coalesced_updates_total",
		Help:      "Raw updates folded into a debounce window without their own recompute",
	})

	SourceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "source",
		Name:      "updates_total",
		Help:      "Raw updates queued by discovery sources",
	}, []string{"source", "kind"})

	SourceDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "source",
		Name:      "dropped_total",
		Help:      "Raw updates dropped or rejected by the outbox backpressure policy",
	}, []string{"source", "kind"})

	SourceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "source",
		Name:      "errors_total",
		Help:      "Backend errors, by handling class",
	}, []string{"source", "class"})

	SourceRelists = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "source",
		Name:      "relists_total",
		Help:      "Full relists performed by watch sources",
	}, []string{"source"})

	SourceCondition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peerwatch",
		Subsystem: "source",
		Name:      "condition",
		Help:      "1 for the current condition of each source, 0 otherwise",
	}, []string{"source", "state"})

	ProbeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "probe",
		Name:      "failures_total",
		Help:      "Peers reported by discovery that failed the reachability probe",
	}, []string{"source"})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerwatch",
		Name:      "subscribers",
		Help:      "Number of active event subscribers",
	})

	SlowSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Name:      "slow_subscribers_total",
		Help:      "Subscribers closed because their buffer overflowed",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "grpc_conn",
		Name:      "dials_total",
		Help:      "Total number of new gRPC connections dialed",
	})
	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "grpc_conn",
		Name:      "reuse_total",
		Help:      "Total number of gRPC connection reuses from cache",
	})
	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peerwatch",
		Subsystem: "grpc_conn",
		Name:      "evictions_total",
		Help:      "Total number of cached gRPC connections evicted",
	})
	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerwatch",
		Subsystem: "grpc_conn",
		Name:      "active",
		Help:      "Number of active cached gRPC connections",
	})
)

var conditionStates = []string{"healthy", "degraded", "halted"}

// SetCondition flips the condition gauge of a source to state.
func SetCondition(source, state string) {
	for _, s := range conditionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SourceCondition.WithLabelValues(source, s).Set(v)
	}
}

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Generation)
		prometheus.MustRegister(Peers)
		prometheus.MustRegister(Events)
		prometheus.MustRegister(Commits)
		prometheus.MustRegister(Coalesced)
		prometheus.MustRegister(SourceUpdates)
		prometheus.MustRegister(SourceDropped)
		prometheus.MustRegister(SourceErrors)
		prometheus.MustRegister(SourceRelists)
		prometheus.MustRegister(SourceCondition)
		prometheus.MustRegister(ProbeFailures)
		prometheus.MustRegister(Subscribers)
		prometheus.MustRegister(SlowSubscribers)
		// grpc connection cache
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}
