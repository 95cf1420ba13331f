package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Waiter polls a condition until it holds or a timeout passes.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter is tuned for in-process deployments where everything
// settles in milliseconds.
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 25*time.Millisecond)
}

// WaitFor waits for a condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForUnclaimed waits for a bundle's claim to be released, which is
// how tests observe the reaper doing its job.
func (p *Pipeline) WaitForUnclaimed(bundleUUID string) {
	p.T.Helper()
	err := DefaultWaiter().WaitFor(context.Background(), func() bool {
		b, err := p.store.GetBundle(bundleUUID)
		return err == nil && !b.Claimed
	}, fmt.Sprintf("bundle %s claim to be released", bundleUUID))
	require.NoError(p.T, err)
}

// WaitForBundleStatus waits for a bundle to reach a status.
func (p *Pipeline) WaitForBundleStatus(bundleUUID string, status types.Status) {
	p.T.Helper()
	err := DefaultWaiter().WaitFor(context.Background(), func() bool {
		b, err := p.store.GetBundle(bundleUUID)
		return err == nil && b.Status == status
	}, fmt.Sprintf("bundle %s to reach %s", bundleUUID, status))
	require.NoError(p.T, err)
}

// WaitForHeartbeat waits for any instance of a component type to have
// reported in.
func (p *Pipeline) WaitForHeartbeat(componentType string) {
	p.T.Helper()
	err := DefaultWaiter().WaitFor(context.Background(), func() bool {
		rows, err := p.Admin.StatusComponent(context.Background(), componentType)
		return err == nil && len(rows) > 0
	}, fmt.Sprintf("component %s to heartbeat", componentType))
	require.NoError(p.T, err)
}
