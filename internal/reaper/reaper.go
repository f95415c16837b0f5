// Package reaper implements the expiry reaper (C9): a single periodic
// task that sweeps overdue intents to EXPIRED, evicts their cache entry,
// and marks their still-ACCEPTED bids EXPIRED. Idempotent by construction --
// running a pass twice changes nothing beyond the first, since the
// second pass finds nothing left in a non-terminal, expired state.
// Start/Stop lifecycle is grounded on the teacher's
// pkg/metrics/reporter.go MetricsReporter (ticker loop, stopCh/doneCh
// handshake).
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/domain"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/metrics"
	"github.com/intentauction/coordinator/internal/store"
)

// Config bundles the reaper's tunables.
type Config struct {
	// Interval is how often the reaper sweeps for overdue intents.
	Interval time.Duration
	// BatchSize bounds how many intents a single pass handles.
	BatchSize int
}

// DefaultConfig mirrors the coordinator's reaper defaults.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, BatchSize: 256}
}

// Reaper periodically expires overdue intents and their ACCEPTED bids.
type Reaper struct {
	cfg     Config
	intents store.IntentStore
	bids    store.BidStore
	bus     bus.MessageBus
	metrics *metrics.Standard
	log     *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New wires a reaper.
func New(cfg Config, intents store.IntentStore, bids store.BidStore, msgBus bus.MessageBus, std *metrics.Standard, logger *log.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	return &Reaper{cfg: cfg, intents: intents, bids: bids, bus: msgBus, metrics: std, log: logger}
}

// Start begins the periodic sweep in a background goroutine. A no-op if
// already running.
func (r *Reaper) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.loop()
}

// Stop halts the sweep and blocks until the current pass (if any) finishes.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
}

func (r *Reaper) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.SweepOnce(context.Background())
		}
	}
}

// SweepOnce runs a single reaper pass: find overdue non-terminal
// intents, transition each to EXPIRED, evict its cache entry, and mark
// its ACCEPTED bids EXPIRED. Exported so the pass can be driven
// explicitly from tests or an admin endpoint.
func (r *Reaper) SweepOnce(ctx context.Context) (swept int) {
	overdue, err := r.intents.FindExpired(ctx, time.Now(), r.cfg.BatchSize)
	if err != nil {
		r.log.Warn("reaper: find expired failed", "err", err)
		return 0
	}

	for _, intent := range overdue {
		if err := r.intents.UpdateStatus(ctx, intent.IntentHash, domain.IntentExpired); err != nil {
			r.log.Warn("reaper: update status failed", "intentHash", intent.IntentHash.Hex(), "err", err)
			continue
		}
		if err := r.bus.CacheDelete(ctx, bus.IntentCacheKey(intent.IntentHash.Hex())); err != nil {
			r.log.Warn("reaper: cache evict failed", "intentHash", intent.IntentHash.Hex(), "err", err)
		}
		if _, err := r.bids.MarkExpired(ctx, intent.IntentHash); err != nil {
			r.log.Warn("reaper: mark bids expired failed", "intentHash", intent.IntentHash.Hex(), "err", err)
		}
		swept++
	}

	if swept > 0 && r.metrics != nil {
		r.metrics.ReaperSwept.WithLabelValues().Add(float64(swept))
	}
	if swept > 0 {
		r.log.Info("reaper: swept overdue intents", "count", swept)
	}
	return swept
}
