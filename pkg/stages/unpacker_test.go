package stages

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/archive"
	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/checksum"
	"github.com/coldpoint/permafrost/pkg/types"
)

func unpackerParams(t *testing.T, co *coordinator, fc *fakeCatalog, workbox, outbox, pathMap string) Params {
	t.Helper()
	cfg := workerConfig(types.StatusUnpacking, "")
	cfg.DestSite = "WIPAC"
	return Params{
		Config: cfg,
		Extras: map[string]string{
			"UNPACKER_WORKBOX_PATH": workbox,
			"UNPACKER_OUTBOX_PATH":  outbox,
			"PATH_MAP_JSON":         pathMap,
			"FILE_CATALOG_REST_URL": fc.serve(t),
		},
		Claimant: "testing-unpacker-1",
		Work:     co.serve(t),
	}
}

func TestUnpackerRestoresArchiveToWarehouse(t *testing.T) {
	// The retrieval bundle's own uuid differs from the artifact it
	// carries; the stage must unpack what the bundle path names.
	const artifactUUID = "7e8a4b2c-5f00-4d21-9c4e-2f64cf7b8a90"

	srcRoot := t.TempDir()
	destRoot := t.TempDir()
	workbox := t.TempDir()
	outbox := t.TempDir()

	contentA := "alpha detector payload"
	contentB := "bravo detector payload"
	srcA := filepath.Join(srcRoot, "data", "exp", "2023", "filtered", "fileA.i3.zst")
	srcB := filepath.Join(srcRoot, "data", "exp", "2023", "filtered", "fileB.i3.zst")
	writeFile(t, srcA, contentA)
	writeFile(t, srcB, contentB)
	sumsA, err := checksum.Sums(srcA)
	require.NoError(t, err)
	sumsB, err := checksum.Sums(srcB)
	require.NoError(t, err)

	m := archive.NewManifest(artifactUUID)
	m.Files = []catalog.Record{
		{UUID: "f-1", LogicalName: srcA, FileSize: int64(len(contentA)), Checksum: sumsA},
		{UUID: "f-2", LogicalName: srcB, FileSize: int64(len(contentB)), Checksum: sumsB},
	}
	builder := &archive.Builder{Workbox: t.TempDir(), Outbox: workbox}
	_, err = builder.Build(m)
	require.NoError(t, err)

	rewrites, err := json.Marshal(map[string]string{srcRoot: destRoot})
	require.NoError(t, err)
	pathMap := filepath.Join(t.TempDir(), "path_map.json")
	writeFile(t, pathMap, string(rewrites))

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-61",
		Source:     "NERSC",
		Dest:       "WIPAC",
		Status:     types.StatusUnpacking,
		BundlePath: "/rse/jade-disk/" + artifactUUID + ".zip",
		Claimed:    true,
	}}

	fc := newFakeCatalog()
	st, err := New(types.ComponentUnpacker, unpackerParams(t, co, fc, workbox, outbox, pathMap))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	pops := co.recordedPops()
	require.Len(t, pops, 1)
	assert.Equal(t, "WIPAC", pops[0].Get("dest"))
	assert.Empty(t, pops[0].Get("source"))

	destA := filepath.Join(destRoot, "data", "exp", "2023", "filtered", "fileA.i3.zst")
	destB := filepath.Join(destRoot, "data", "exp", "2023", "filtered", "fileB.i3.zst")
	gotA, err := os.ReadFile(destA)
	require.NoError(t, err)
	assert.Equal(t, contentA, string(gotA))
	gotB, err := os.ReadFile(destB)
	require.NoError(t, err)
	assert.Equal(t, contentB, string(gotB))

	locsA := fc.recordedLocations("f-1")
	require.Len(t, locsA, 1)
	assert.Equal(t, catalog.Location{Site: "WIPAC", Path: destA}, locsA[0])
	locsB := fc.recordedLocations("f-2")
	require.Len(t, locsB, 1)
	assert.Equal(t, destB, locsB[0].Path)

	assert.NoFileExists(t, filepath.Join(workbox, archive.ArtifactName(artifactUUID)),
		"staged artifact is cleaned up")
	assert.NoFileExists(t, filepath.Join(outbox, archive.SidecarName(artifactUUID)),
		"extracted sidecar is cleaned up")

	assert.Equal(t, []string{"b-61"}, co.recordedMetadataDeletes(),
		"membership rows are deleted for the retrieval bundle, not the artifact")

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-61")
	assert.Equal(t, string(types.StatusCompleted), body["status"])
	assert.Equal(t, false, body["claimed"])
}

func TestUnpackerQuarantinesWhenArtifactIsMissing(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{{
		UUID:       "b-62",
		Dest:       "WIPAC",
		Status:     types.StatusUnpacking,
		BundlePath: "/rse/jade-disk/0000aaaa.zip",
		Claimed:    true,
	}}

	fc := newFakeCatalog()
	st, err := New(types.ComponentUnpacker, unpackerParams(t, co, fc, t.TempDir(), t.TempDir(), ""))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-62")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "unpacker: ")
	assert.Contains(t, body["reason"], "open artifact")
	assert.Empty(t, co.recordedMetadataDeletes(), "metadata survives a failed unpack")
}

func TestUnpackerRejectsUnreadablePathMap(t *testing.T) {
	co := newCoordinator()
	fc := newFakeCatalog()

	_, err := New(types.ComponentUnpacker,
		unpackerParams(t, co, fc, t.TempDir(), t.TempDir(), "/no/such/path_map.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read path map")
}
