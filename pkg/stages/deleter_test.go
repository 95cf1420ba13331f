package stages

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/types"
)

func deleterParams(t *testing.T, co *coordinator, diskBase, useDest string) Params {
	t.Helper()
	return Params{
		Config: workerConfig(types.StatusCompleted, types.StatusSourceDeleted),
		Extras: map[string]string{
			"DISK_BASE_PATH": diskBase,
			"USE_DEST_SITE":  useDest,
		},
		Claimant: "testing-deleter-1",
		Work:     co.serve(t),
	}
}

func TestDeleterRemovesStagingCopy(t *testing.T) {
	diskBase := t.TempDir()
	writeFile(t, filepath.Join(diskBase, "b-51.zip"), "artifact bytes")

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-51",
		Source:     "WIPAC",
		Status:     types.StatusCompleted,
		BundlePath: "/staging/b-51.zip",
		Claimed:    true,
	}}

	st, err := New(types.ComponentDeleter, deleterParams(t, co, diskBase, "FALSE"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	assert.NoFileExists(t, filepath.Join(diskBase, "b-51.zip"))

	pops := co.recordedPops()
	require.Len(t, pops, 1)
	assert.Equal(t, "WIPAC", pops[0].Get("source"))
	assert.Empty(t, pops[0].Get("dest"))

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-51")
	assert.Equal(t, string(types.StatusSourceDeleted), body["status"])
	assert.Equal(t, false, body["claimed"])
}

func TestDeleterToleratesMissingCopy(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-52",
		Source:     "WIPAC",
		Status:     types.StatusCompleted,
		BundlePath: "/staging/b-52.zip",
		Claimed:    true,
	}}

	st, err := New(types.ComponentDeleter, deleterParams(t, co, t.TempDir(), "FALSE"))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-52")
	assert.Equal(t, string(types.StatusSourceDeleted), body["status"])
}

func TestDeleterPopsOnDestWhenConfigured(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-53",
		Dest:       "NERSC",
		Status:     types.StatusSourceDeleted,
		BundlePath: "/staging/b-53.zip",
		Claimed:    true,
	}}

	p := deleterParams(t, co, t.TempDir(), "TRUE")
	p.Config = workerConfig(types.StatusSourceDeleted, types.StatusDeleted)
	st, err := New(types.ComponentDeleter, p)
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	pops := co.recordedPops()
	require.Len(t, pops, 1)
	assert.Empty(t, pops[0].Get("source"))
	assert.Equal(t, "NERSC", pops[0].Get("dest"))

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-53")
	assert.Equal(t, string(types.StatusDeleted), body["status"])
}

func TestDeleterRequiresSiteForPopSide(t *testing.T) {
	co := newCoordinator()
	p := deleterParams(t, co, t.TempDir(), "TRUE")
	p.Config.DestSite = ""

	_, err := New(types.ComponentDeleter, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEST_SITE")
}
