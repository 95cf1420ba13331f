package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/types"
)

func finisherParams(t *testing.T, co *coordinator) Params {
	t.Helper()
	return Params{
		Config:   workerConfig(types.StatusDeleted, types.StatusFinished),
		Claimant: "testing-finisher-1",
		Work:     co.serve(t),
	}
}

func TestFinisherWaitsForSiblingsInFlight(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:    "b-71",
		Request: "req-1",
		Status:  types.StatusDeleted,
		Claimed: true,
	}}
	co.byRequest["req-1"] = []string{"b-71", "b-72"}
	co.bundles["b-71"] = &types.Bundle{UUID: "b-71", Request: "req-1", Status: types.StatusDeleted}
	co.bundles["b-72"] = &types.Bundle{UUID: "b-72", Request: "req-1", Status: types.StatusTransferring}

	st, err := New(types.ComponentTransferRequestFinisher, finisherParams(t, co))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed, "a requeue ends the cycle")

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-71")
	assert.NotContains(t, body, "status", "waiting bundles keep their status")
	assert.Equal(t, false, body["claimed"])
	assert.NotEmpty(t, body["work_priority_timestamp"], "requeue sends the bundle to the back of the queue")
	assert.Empty(t, co.recordedMetadataDeletes())
}

func TestFinisherClosesOutCompletedRequest(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:    "b-73",
		Request: "req-2",
		Status:  types.StatusDeleted,
		Claimed: true,
	}}
	co.byRequest["req-2"] = []string{"b-73", "b-74"}
	co.bundles["b-73"] = &types.Bundle{UUID: "b-73", Request: "req-2", Status: types.StatusDeleted}
	co.bundles["b-74"] = &types.Bundle{UUID: "b-74", Request: "req-2", Status: types.StatusDeleted}

	st, err := New(types.ComponentTransferRequestFinisher, finisherParams(t, co))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	reqBody := requirePatch(t, co.recordedPatches(), "/TransferRequests/req-2")
	assert.Equal(t, string(types.StatusFinished), reqBody["status"])
	assert.Equal(t, false, reqBody["claimed"])
	assert.Equal(t, "testing-finisher-1", reqBody["claimant"])

	for _, uuid := range []string{"b-73", "b-74"} {
		body := requirePatch(t, co.recordedPatches(), "/Bundles/"+uuid)
		assert.Equal(t, string(types.StatusFinished), body["status"])
		assert.Equal(t, false, body["claimed"])
	}
	assert.ElementsMatch(t, []string{"b-73", "b-74"}, co.recordedMetadataDeletes())
}

func TestFinisherQuarantinesWhenSiblingLookupFails(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:    "b-75",
		Request: "req-3",
		Status:  types.StatusDeleted,
		Claimed: true,
	}}
	co.byRequest["req-3"] = []string{"b-75", "b-gone"}
	co.bundles["b-75"] = &types.Bundle{UUID: "b-75", Request: "req-3", Status: types.StatusDeleted}

	st, err := New(types.ComponentTransferRequestFinisher, finisherParams(t, co))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-75")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "transfer_request_finisher: ")
	assert.Contains(t, body["reason"], "b-gone")
}
