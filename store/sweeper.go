package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
)

// DefaultSweepInterval balances expiry latency against store load
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes expired entities and relationships
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	expired *prometheus.CounterVec

	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper. registry may be nil in tests.
func NewSweeper(s Store, interval time.Duration, logger *slog.Logger, registry *metric.Registry) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	sw := &Sweeper{
		store:    s,
		interval: interval,
		logger:   logger,
	}

	if registry != nil {
		sw.expired = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_expired_total",
			Help: "Records removed by TTL sweeps, by kind",
		}, []string{"kind"})
		_ = registry.RegisterCounterVec("sweeper", "store_expired_total", sw.expired)
	}

	return sw
}

// Start launches the sweep loop
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return errors.ErrAlreadyStarted
	}
	sw.running = true
	sw.shutdown = make(chan struct{})

	sw.wg.Add(1)
	go sw.run(ctx)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish
func (sw *Sweeper) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return errors.ErrNotStarted
	}
	sw.running = false
	close(sw.shutdown)
	sw.mu.Unlock()

	sw.wg.Wait()
	return nil
}

func (sw *Sweeper) run(ctx context.Context) {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	removed, err := sw.store.ExpireOlderThan(ctx, start)
	if err != nil {
		sw.logger.Error("ttl sweep failed", "error", err)
		return
	}

	if sw.expired != nil {
		sw.expired.WithLabelValues("entity").Add(float64(removed.Entities))
		sw.expired.WithLabelValues("relationship").Add(float64(removed.Relationships))
	}

	if removed.Entities > 0 || removed.Relationships > 0 {
		sw.logger.Info("ttl sweep removed records",
			"entities", removed.Entities,
			"relationships", removed.Relationships,
			"duration", time.Since(start))
	}
}
