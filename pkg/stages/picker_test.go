package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/types"
)

func pickerParams(t *testing.T, co *coordinator, fcURL string) Params {
	t.Helper()
	return Params{
		Config: workerConfig("", types.StatusSpecified),
		Extras: map[string]string{
			"FILE_CATALOG_REST_URL":  fcURL,
			"FILE_CATALOG_PAGE_SIZE": "1000",
			"MAX_BUNDLE_SIZE":        "100",
		},
		Claimant: "testing-picker-1",
		Work:     co.serve(t),
	}
}

func TestPickerChunksInventoryIntoBundles(t *testing.T) {
	co := newCoordinator()
	co.requestQueue = []*types.TransferRequest{{
		UUID:    "req-1",
		Source:  "WIPAC",
		Dest:    "NERSC",
		Path:    "/data/exp/2023/filtered",
		Claimed: true,
	}}

	fc := newFakeCatalog()
	fc.queryFiles = []catalog.FileInfo{
		{UUID: "f-1", LogicalName: "/data/exp/2023/filtered/a.i3", FileSize: 60},
		{UUID: "f-2", LogicalName: "/data/exp/2023/filtered/b.i3", FileSize: 50},
		{UUID: "f-3", LogicalName: "/data/exp/2023/filtered/c.i3", FileSize: 10},
	}

	st, err := New(types.ComponentPicker, pickerParams(t, co, fc.serve(t)))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	pops := co.recordedPops()
	require.Len(t, pops, 1)
	assert.Equal(t, "WIPAC", pops[0].Get("source"))
	assert.False(t, pops[0].Has("dest"))

	queries := fc.recordedQueries()
	require.NotEmpty(t, queries)
	assert.Contains(t, queries[0].Get("query"), `"$regex":"^/data/exp/2023/filtered"`)

	specs := co.recordedSpecs()
	require.Len(t, specs, 1)
	require.Len(t, specs[0], 2, "60 | 50+10 under a 100-byte limit")
	first := specs[0][0]
	assert.Equal(t, "req-1", first["request"])
	assert.Equal(t, "WIPAC", first["source"])
	assert.Equal(t, "NERSC", first["dest"])
	assert.Equal(t, "/data/exp/2023/filtered", first["path"])
	assert.Equal(t, string(types.StatusSpecified), first["status"])
	assert.Equal(t, float64(1), first["file_count"])
	assert.Equal(t, float64(2), specs[0][1]["file_count"])

	creates := co.recordedMetadataCreates()
	require.Len(t, creates, 2)
	assert.Equal(t, metadataCreate{bundle: "bundle-1", files: []string{"f-1"}}, creates[0])
	assert.Equal(t, metadataCreate{bundle: "bundle-2", files: []string{"f-2", "f-3"}}, creates[1])

	body := requirePatch(t, co.recordedPatches(), "/TransferRequests/req-1")
	assert.Equal(t, string(types.StatusProcessing), body["status"])
	assert.Equal(t, false, body["claimed"])
	assert.Equal(t, "testing-picker-1", body["claimant"])
}

func TestPickerQuarantinesWhenCatalogIsEmpty(t *testing.T) {
	co := newCoordinator()
	co.requestQueue = []*types.TransferRequest{{
		UUID:    "req-2",
		Source:  "WIPAC",
		Dest:    "NERSC",
		Path:    "/data/exp/1999/nothing",
		Claimed: true,
	}}

	fc := newFakeCatalog()
	st, err := New(types.ComponentPicker, pickerParams(t, co, fc.serve(t)))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed, "a quarantined claim still counts as claimed")

	body := requirePatch(t, co.recordedPatches(), "/TransferRequests/req-2")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "picker: file catalog has no files")
	assert.Empty(t, co.recordedSpecs())
}

func TestPickerReportsEmptyQueue(t *testing.T) {
	co := newCoordinator()
	fc := newFakeCatalog()
	st, err := New(types.ComponentPicker, pickerParams(t, co, fc.serve(t)))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, co.recordedPatches())
}

func TestPickerRequiresSiteAndStatus(t *testing.T) {
	fc := newFakeCatalog()
	co := newCoordinator()
	p := pickerParams(t, co, fc.serve(t))
	p.Config = &config.Worker{ComponentName: "testing"}

	_, err := New(types.ComponentPicker, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_SITE")
	assert.Contains(t, err.Error(), "OUTPUT_STATUS")
}

func TestChunkBySize(t *testing.T) {
	files := []catalog.FileInfo{
		{UUID: "big", FileSize: 500},
		{UUID: "s1", FileSize: 10},
		{UUID: "s2", FileSize: 20},
	}
	chunks := chunkBySize(files, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, "big", chunks[0][0].UUID, "an oversize file gets a chunk of its own")
	assert.Len(t, chunks[1], 2)

	assert.Nil(t, chunkBySize(nil, 100))
}
