package reaper

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/metrics"
	"github.com/coldpoint/permafrost/pkg/storage"
	"github.com/coldpoint/permafrost/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func claimedBundle(uuid string, age time.Duration) *types.Bundle {
	now := types.Now()
	return &types.Bundle{
		Type: types.TypeBundle, UUID: uuid, Status: types.StatusTransferring,
		CreateTimestamp: now, UpdateTimestamp: now, WorkPriorityTimestamp: now,
		Claimed:        true,
		Claimant:       "replicator-" + uuid,
		ClaimTimestamp: time.Now().UTC().Add(-age).Format(types.TimestampFormat),
	}
}

func TestSweepReleasesOnlyStaleClaims(t *testing.T) {
	store := newStore(t)

	stale := claimedBundle("b-stale", 13*time.Hour)
	fresh := claimedBundle("b-fresh", time.Minute)
	require.NoError(t, store.CreateBundles([]*types.Bundle{stale, fresh}))

	now := types.Now()
	tr := &types.TransferRequest{
		Type: types.TypeTransferRequest, UUID: "tr-stale", Status: types.StatusProcessing,
		CreateTimestamp: now, UpdateTimestamp: now, WorkPriorityTimestamp: now,
		Claimed:        true,
		Claimant:       "picker-gone",
		ClaimTimestamp: time.Now().UTC().Add(-14 * time.Hour).Format(types.TimestampFormat),
	}
	require.NoError(t, store.CreateTransferRequest(tr))

	reqBefore := testutil.ToFloat64(metrics.ReapedClaimsTotal.WithLabelValues("transfer_request"))
	bundleBefore := testutil.ToFloat64(metrics.ReapedClaimsTotal.WithLabelValues("bundle"))

	r := New(store, 12*time.Hour, time.Hour)
	require.NoError(t, r.sweep())

	got, err := store.GetBundle("b-stale")
	require.NoError(t, err)
	assert.False(t, got.Claimed)
	assert.Empty(t, got.Claimant)
	assert.Equal(t, types.StatusTransferring, got.Status, "status survives the release")

	got, err = store.GetBundle("b-fresh")
	require.NoError(t, err)
	assert.True(t, got.Claimed, "fresh claims are left alone")

	gotTR, err := store.GetTransferRequest("tr-stale")
	require.NoError(t, err)
	assert.False(t, gotTR.Claimed)

	assert.Equal(t, reqBefore+1, testutil.ToFloat64(metrics.ReapedClaimsTotal.WithLabelValues("transfer_request")))
	assert.Equal(t, bundleBefore+1, testutil.ToFloat64(metrics.ReapedClaimsTotal.WithLabelValues("bundle")))
}

func TestSweepIdleCycle(t *testing.T) {
	store := newStore(t)

	okBefore := testutil.ToFloat64(metrics.ReaperCyclesTotal.WithLabelValues("ok"))

	r := New(store, 12*time.Hour, time.Hour)
	require.NoError(t, r.sweep())

	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.ReaperCyclesTotal.WithLabelValues("ok")))
}

func TestStartStop(t *testing.T) {
	store := newStore(t)

	stale := claimedBundle("b-stale", 13*time.Hour)
	require.NoError(t, store.CreateBundles([]*types.Bundle{stale}))

	r := New(store, 12*time.Hour, 10*time.Millisecond)
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		got, err := store.GetBundle("b-stale")
		return err == nil && !got.Claimed
	}, 2*time.Second, 10*time.Millisecond, "the loop should release the stale claim")
}
