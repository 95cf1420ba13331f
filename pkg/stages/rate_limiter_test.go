package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/types"
)

func rateLimiterParams(t *testing.T, co *coordinator, input, output, quota string) Params {
	t.Helper()
	return Params{
		Config: workerConfig(types.StatusCreated, types.StatusStaged),
		Extras: map[string]string{
			"INPUT_PATH":   input,
			"OUTPUT_PATH":  output,
			"OUTPUT_QUOTA": quota,
		},
		Claimant: "testing-rate-limiter-1",
		Work:     co.serve(t),
	}
}

func stagingBundle(uuid string, size int64) *types.Bundle {
	return &types.Bundle{
		UUID:       uuid,
		Source:     "WIPAC",
		Dest:       "NERSC",
		Status:     types.StatusCreated,
		BundlePath: "/bundler/outbox/" + uuid + ".zip",
		Size:       size,
		Claimed:    true,
	}
}

func TestRateLimiterStagesUnderQuota(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	writeFile(t, filepath.Join(input, "b-4.zip"), "artifact bytes")

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{stagingBundle("b-4", 14)}

	st, err := New(types.ComponentRateLimiter, rateLimiterParams(t, co, input, output, "1000"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	staged := filepath.Join(output, "b-4.zip")
	_, statErr := os.Stat(staged)
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(input, "b-4.zip"))
	assert.True(t, os.IsNotExist(statErr), "artifact should leave the input disk")

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-4")
	assert.Equal(t, string(types.StatusStaged), body["status"])
	assert.Equal(t, staged, body["bundle_path"])
	assert.Equal(t, false, body["claimed"])
	assert.Equal(t, "testing-rate-limiter-1", body["claimant"])
}

func TestRateLimiterRequeuesWhenQuotaFull(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	writeFile(t, filepath.Join(input, "b-5.zip"), "artifact bytes")
	writeFile(t, filepath.Join(output, "already-staged.zip"), "0123456789")

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{stagingBundle("b-5", 14)}

	st, err := New(types.ComponentRateLimiter, rateLimiterParams(t, co, input, output, "20"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed, "a requeue ends the cycle without counting a claim")

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-5")
	assert.NotContains(t, body, "status", "requeue must not advance the bundle")
	assert.Equal(t, false, body["claimed"])
	assert.NotEmpty(t, body["work_priority_timestamp"])

	_, statErr := os.Stat(filepath.Join(input, "b-5.zip"))
	assert.NoError(t, statErr, "artifact stays on the input disk")
}

func TestRateLimiterRequeuesWhenArtifactMissing(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{stagingBundle("b-6", 14)}

	st, err := New(types.ComponentRateLimiter, rateLimiterParams(t, co, t.TempDir(), t.TempDir(), "1000"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-6")
	assert.NotContains(t, body, "status", "a missing artifact is a skip, not a quarantine")
	assert.NotEmpty(t, body["work_priority_timestamp"])
}
