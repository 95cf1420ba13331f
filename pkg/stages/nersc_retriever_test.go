package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/types"
)

func nerscRetrieverParams(t *testing.T, co *coordinator) Params {
	t.Helper()
	cfg := workerConfig(types.StatusLocated, types.StatusStaged)
	cfg.SourceSite = "NERSC"
	cfg.DestSite = "WIPAC"
	return Params{
		Config: cfg,
		Extras: map[string]string{
			"RSE_BASE_PATH":   "/global/cscratch1/sd/icecubed/jade-disk",
			"TAPE_BASE_PATH":  "/home/projects/icecube",
			"HSI_PATH":        "",
			"HPSS_AVAIL_PATH": "",
		},
		Claimant: "testing-nersc-retriever-1",
		Work:     co.serve(t),
	}
}

func TestNerscRetrieverStagesArchiveFromTape(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-21",
		Source:     "NERSC",
		Dest:       "WIPAC",
		Path:       "/data/exp/2023/filtered",
		Status:     types.StatusLocated,
		BundlePath: "/home/projects/icecube/data/exp/2023/filtered/b-21.zip",
		Claimed:    true,
	}}

	st, err := New(types.ComponentNerscRetriever, nerscRetrieverParams(t, co))
	require.NoError(t, err)

	runner := &fakeRunner{}
	st.(*NerscRetriever).hpss.WithRunner(runner)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	pops := co.recordedPops()
	require.Len(t, pops, 1)
	assert.Equal(t, string(types.StatusLocated), pops[0].Get("status"))
	assert.Equal(t, "NERSC", pops[0].Get("source"))
	assert.Equal(t, "WIPAC", pops[0].Get("dest"))

	calls := runner.recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"/usr/common/mss/bin/hpss_avail", "archive"}, calls[0])
	assert.Equal(t, []string{
		"hsi", "get", "-c", "on",
		"/global/cscratch1/sd/icecubed/jade-disk/b-21.zip",
		":",
		"/home/projects/icecube/data/exp/2023/filtered/b-21.zip",
	}, calls[1])

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-21")
	assert.Equal(t, string(types.StatusStaged), body["status"])
	assert.Equal(t, false, body["claimed"])
	assert.Equal(t, "testing-nersc-retriever-1", body["claimant"])
}

func TestNerscRetrieverQuarantinesOnGetFailure(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-22",
		Source:     "NERSC",
		Dest:       "WIPAC",
		Path:       "/data/exp/2023/filtered",
		Status:     types.StatusLocated,
		BundlePath: "/home/projects/icecube/data/exp/2023/filtered/b-22.zip",
		Claimed:    true,
	}}

	st, err := New(types.ComponentNerscRetriever, nerscRetrieverParams(t, co))
	require.NoError(t, err)

	runner := &fakeRunner{respond: func(name string, args []string) (string, string, error) {
		if len(args) > 0 && args[0] == "get" {
			return "", "HPSS_ETIMEDOUT", errors.New("exit status 64")
		}
		return "", "", nil
	}}
	st.(*NerscRetriever).hpss.WithRunner(runner)

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-22")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "nersc_retriever: ")
	assert.Contains(t, body["reason"], "HPSS_ETIMEDOUT")
}
