package metrics

import (
	"time"

	"github.com/coldpoint/permafrost/pkg/storage"
)

// Collector refreshes the document store gauges from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectBundleMetrics()
	c.collectTransferRequestMetrics()
}

func (c *Collector) collectBundleMetrics() {
	counts, err := c.store.CountBundlesByStatus()
	if err != nil {
		return
	}

	// Reset so statuses that emptied out drop to absent, not stale.
	BundlesByStatus.Reset()
	for status, count := range counts {
		BundlesByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectTransferRequestMetrics() {
	counts, err := c.store.CountTransferRequestsByStatus()
	if err != nil {
		return
	}

	TransferRequestsByStatus.Reset()
	for status, count := range counts {
		TransferRequestsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}
