package reaper

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/metrics"
	"github.com/coldpoint/permafrost/pkg/storage"
)

// Reaper releases stale claims so work stranded by a crashed or wedged
// worker becomes claimable again.
type Reaper struct {
	store    storage.Store
	maxAge   time.Duration
	interval time.Duration
	log      zerolog.Logger
	stopCh   chan struct{}
}

// New creates a reaper that sweeps both claimable collections every
// interval, releasing claims older than maxAge.
func New(store storage.Store, maxAge, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		log:      log.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.sweep(); err != nil {
				r.log.Error().Err(err).Msg("claim sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// sweep performs one pass. Releasing a claim clears only the claim
// fields; status and work_priority_timestamp stay, so the document
// returns to the queue at its original position.
func (r *Reaper) sweep() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperDuration)

	requests, bundles, err := r.store.ReapClaims(r.maxAge)
	if err != nil {
		metrics.ReaperCyclesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReaperCyclesTotal.WithLabelValues("ok").Inc()

	if requests > 0 {
		metrics.ReapedClaimsTotal.WithLabelValues("transfer_request").Add(float64(requests))
	}
	if bundles > 0 {
		metrics.ReapedClaimsTotal.WithLabelValues("bundle").Add(float64(bundles))
	}
	if requests+bundles > 0 {
		r.log.Warn().
			Int("transfer_requests", requests).
			Int("bundles", bundles).
			Dur("max_age", r.maxAge).
			Msg("released stale claims")
	}
	return nil
}
