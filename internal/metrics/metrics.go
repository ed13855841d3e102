// Package metrics wires the indexer's counters and gauges into
// prometheus/client_golang.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric the pipeline and scheduler emit.
type Registry struct {
	EpochStarted      prometheus.Counter
	EpochCommitted    prometheus.Counter
	EpochSkipped      prometheus.Counter
	EpochFailedByClass *prometheus.CounterVec
	EpochCircuitOpen  prometheus.Counter

	LocatorCacheHit  prometheus.Counter
	LocatorCacheMiss prometheus.Counter

	BetsPersisted        prometheus.Counter
	ClaimsPersisted      prometheus.Counter
	MultiClaimsPersisted prometheus.Counter

	LockAcquired prometheus.Counter
	LockDenied   prometheus.Counter
}

// New registers every metric with Prometheus's default registry (via
// promauto), the registry Serve exposes through promhttp.Handler.
func New() *Registry {
	return &Registry{
		EpochStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "pipeline", Name: "epoch_started_total",
			Help: "Epochs for which Run was entered, counted before the completion check.",
		}),
		EpochCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "pipeline", Name: "epoch_committed_total",
			Help: "Epochs successfully committed.",
		}),
		EpochSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "pipeline", Name: "epoch_skipped_total",
			Help: "Epochs skipped: already complete or lock contention.",
		}),
		EpochFailedByClass: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "pipeline", Name: "epoch_failed_total",
			Help: "Epochs failed, partitioned by error class.",
		}, []string{"class"}),
		EpochCircuitOpen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "pipeline", Name: "circuit_open_total",
			Help: "Times the consecutive-failure circuit breaker tripped.",
		}),
		LocatorCacheHit: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "locator", Name: "cache_hit_total",
		}),
		LocatorCacheMiss: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "locator", Name: "cache_miss_total",
		}),
		BetsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "store", Name: "bets_persisted_total",
		}),
		ClaimsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "store", Name: "claims_persisted_total",
		}),
		MultiClaimsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "store", Name: "multi_claims_persisted_total",
		}),
		LockAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "lock", Name: "acquired_total",
		}),
		LockDenied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync", Subsystem: "lock", Name: "denied_total",
		}),
	}
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is
// cancelled, then shuts the server down gracefully.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
