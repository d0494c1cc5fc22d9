package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter tracks successful lock acquisitions by kind.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cages_lock_acquire_total",
		Help: "Total number of granted lock requests",
	}, []string{"kind"})
	// LockTimeoutCounter tracks lock requests abandoned because their wait expired.
	LockTimeoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cages_lock_timeout_total",
		Help: "Total number of lock requests abandoned on timeout",
	}, []string{"kind"})
	// LockWaitHistogram observes the time spent queued before a grant.
	LockWaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cages_lock_wait_seconds",
		Help:    "Time spent queued before a lock was granted",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	// LocksHeldGauge reports the number of locks currently held by this process.
	LocksHeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cages_locks_held",
		Help: "Current number of held locks",
	}, []string{"kind"})
	// KeySetRefreshCounter tracks aggregate view recomputations.
	KeySetRefreshCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cages_keyset_refresh_total",
		Help: "Total number of contributed key set refreshes",
	})
	// KeySetChangeCounter tracks refreshes that changed the aggregate view.
	KeySetChangeCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cages_keyset_change_total",
		Help: "Total number of effective aggregate view changes",
	})
	// SessionStateCounter tracks session state transitions by target state.
	SessionStateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cages_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"state"})
	// WatcherGauge reports the number of active watch streams.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cages_watchers",
		Help: "Current number of active watch streams",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the cages collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockTimeoutCounter,
		LockWaitHistogram,
		LocksHeldGauge,
		KeySetRefreshCounter,
		KeySetChangeCounter,
		SessionStateCounter,
		WatcherGauge,
	)
}
