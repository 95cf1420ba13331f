package stages

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/checksum"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

func siteMoveVerifierParams(t *testing.T, co *coordinator, destRoot, next string) Params {
	t.Helper()
	return Params{
		Config: workerConfig(types.StatusTransferring, ""),
		Extras: map[string]string{
			"DEST_ROOT_PATH": destRoot,
			"NEXT_STATUS":    next,
		},
		Claimant: "testing-smv-1",
		Work:     co.serve(t),
	}
}

func TestSiteMoveVerifierAdvancesOnMatch(t *testing.T) {
	destRoot := t.TempDir()
	path := filepath.Join(destRoot, "b-11.zip")
	writeFile(t, path, "received artifact bytes")
	sums, err := checksum.Sums(path)
	require.NoError(t, err)

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-11",
		Dest:       "NERSC",
		Status:     types.StatusTransferring,
		BundlePath: "/staging/b-11.zip",
		Checksum:   sums,
		Claimed:    true,
	}}

	st, err := New(types.ComponentSiteMoveVerifier, siteMoveVerifierParams(t, co, destRoot, "taping"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	pops := co.recordedPops()
	require.Len(t, pops, 1)
	assert.Equal(t, "NERSC", pops[0].Get("dest"))
	assert.False(t, pops[0].Has("source"))

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-11")
	assert.Equal(t, string(types.StatusTaping), body["status"])
	assert.NotContains(t, body, "verified", "only the tape verifiers set verified")
}

func TestSiteMoveVerifierQuarantinesOnMismatch(t *testing.T) {
	destRoot := t.TempDir()
	writeFile(t, filepath.Join(destRoot, "b-12.zip"), "corrupted in flight")

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-12",
		Dest:       "NERSC",
		Status:     types.StatusTransferring,
		BundlePath: "/staging/b-12.zip",
		Checksum:   &types.Checksum{SHA512: "0000"},
		Claimed:    true,
	}}

	st, err := New(types.ComponentSiteMoveVerifier, siteMoveVerifierParams(t, co, destRoot, "unpacking"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-12")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "site_move_verifier: ")
	assert.Contains(t, body["reason"], "sha512 mismatch")
}

func TestSiteMoveVerifierRejectsBogusNextStatus(t *testing.T) {
	co := newCoordinator()
	_, err := New(types.ComponentSiteMoveVerifier, siteMoveVerifierParams(t, co, t.TempDir(), "finished"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEXT_STATUS")
}

func TestSiteMoveVerifierReportsQuotaInHeartbeat(t *testing.T) {
	destRoot := t.TempDir()
	writeFile(t, filepath.Join(destRoot, "staged.zip"), "0123456789")

	co := newCoordinator()
	st, err := New(types.ComponentSiteMoveVerifier, siteMoveVerifierParams(t, co, destRoot, "taping"))
	require.NoError(t, err)

	reporter, ok := st.(worker.StatusReporter)
	require.True(t, ok, "site_move_verifier should decorate its heartbeat")
	extras := reporter.StatusExtras()
	quota := extras["quota"].(map[string]any)
	assert.Equal(t, destRoot, quota["path"])
	assert.Equal(t, int64(10), quota["used_bytes"])
}
