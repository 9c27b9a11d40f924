package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fluxt"

var (
	CBRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of circuit breaker rejections.",
		},
		[]string{"service", "method", "reason"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"service", "method", "state"}, // state: closed/open/half_open
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_rpc_duration_seconds",
			Help:      "Chain JSON-RPC call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms ~ 10s
		},
		[]string{"method", "status"},
	)

	ChainHead = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deposit_chain_head",
		Help:      "Latest block number reported by the node.",
	})

	ScannedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deposit_scanned_block",
		Help:      "Highest block fully scanned.",
	})

	WatchedAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "deposit_watched_addresses",
		Help:      "Number of deposit addresses in the current snapshot.",
	})

	DepositsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_detected_total",
			Help:      "Transfers into deposit addresses detected by the scanner.",
		},
		[]string{"token"},
	)

	DepositTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposit_transition_total",
			Help:      "Deposit state transitions.",
		},
		[]string{"status"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deposit_sweep_duration_seconds",
			Help:      "Time to sweep one deposit address into the hot wallet.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// MustRegister 注册到默认 Registry，重复调用安全
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CBRejectTotal, CBState, RPCDuration,
			ChainHead, ScannedBlock, WatchedAddresses,
			DepositsDetected, DepositTransitions, SweepDuration,
		)
	})
}

// SetBreakerState 当前状态置 1，其余置 0
func SetBreakerState(service, method, state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		CBState.WithLabelValues(service, method, s).Set(v)
	}
}
