package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/types"
)

const tapedSHA = "1693e9d0a3cbca4b9ec19e027a28ec5867e7605145c5cfb4b691b6b85b6a0f09ab57fa8a1af6b8fa6ac5fb09cbba8016a78a7036eb98d4ffd1aeb1c33917a5a7"

func nerscVerifierParams(t *testing.T, co *coordinator, fc *fakeCatalog) Params {
	t.Helper()
	return Params{
		Config: workerConfig(types.StatusVerifying, ""),
		Extras: map[string]string{
			"FILE_CATALOG_REST_URL": fc.serve(t),
			"TAPE_BASE_PATH":        "/home/projects/icecube",
			"HSI_PATH":              "",
			"HPSS_AVAIL_PATH":       "",
		},
		Claimant: "testing-nersc-verifier-1",
		Work:     co.serve(t),
	}
}

func verifyingBundle(uuid, sha512 string) *types.Bundle {
	b := &types.Bundle{
		UUID:       uuid,
		Dest:       "NERSC",
		Path:       "/data/exp/2023/filtered",
		Status:     types.StatusVerifying,
		BundlePath: "/staging/" + uuid + ".zip",
		Size:       2048,
		Claimed:    true,
	}
	if sha512 != "" {
		b.Checksum = &types.Checksum{Adler32: "091f1c6b", SHA512: sha512}
	}
	return b
}

func TestNerscVerifierRegistersVerifiedArchive(t *testing.T) {
	const hpssPath = "/home/projects/icecube/data/exp/2023/filtered/b-31.zip"

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{verifyingBundle("b-31", tapedSHA)}
	co.setMetadata("b-31", "f-1", "f-2")

	fc := newFakeCatalog()
	fc.records["f-1"] = &catalog.Record{UUID: "f-1", LogicalName: "/data/exp/2023/filtered/fileA.i3.zst"}
	fc.records["f-2"] = &catalog.Record{UUID: "f-2", LogicalName: "/data/exp/2023/filtered/fileB.i3.zst"}

	st, err := New(types.ComponentNerscVerifier, nerscVerifierParams(t, co, fc))
	require.NoError(t, err)

	runner := &fakeRunner{respond: func(name string, args []string) (string, string, error) {
		switch {
		case len(args) > 1 && args[1] == "hashlist":
			return tapedSHA + " sha512 " + hpssPath + " [hsi]\n", "", nil
		case len(args) > 1 && args[1] == "hashverify":
			return hpssPath + ": (sha512) OK\n", "", nil
		}
		return "", "", nil
	}}
	st.(*NerscVerifier).hpss.WithRunner(runner)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	calls := runner.recordedCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"/usr/common/mss/bin/hpss_avail", "archive"}, calls[0])
	assert.Equal(t, []string{"hsi", "-P", "hashlist", hpssPath}, calls[1])
	assert.Equal(t, []string{"hsi", "-P", "hashverify", "-A", hpssPath}, calls[2])

	regs := fc.recordedRegistrations()
	require.Len(t, regs, 1)
	assert.Equal(t, "b-31", regs[0]["uuid"])
	assert.Equal(t, hpssPath, regs[0]["logical_name"])
	assert.Equal(t, float64(2048), regs[0]["file_size"])
	checksum, ok := regs[0]["checksum"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tapedSHA, checksum["sha512"])
	archival, ok := regs[0]["lta"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, archival["date_archived"])
	locs, ok := regs[0]["locations"].([]any)
	require.True(t, ok)
	require.Len(t, locs, 1)
	tapeLoc := locs[0].(map[string]any)
	assert.Equal(t, "NERSC", tapeLoc["site"])
	assert.Equal(t, hpssPath, tapeLoc["path"])
	assert.Equal(t, true, tapeLoc["hpss"])
	assert.Equal(t, false, tapeLoc["online"])

	memberA := fc.recordedLocations("f-1")
	require.Len(t, memberA, 1)
	assert.Equal(t, catalog.Location{
		Site:    "NERSC",
		Path:    hpssPath + ":/data/exp/2023/filtered/fileA.i3.zst",
		Archive: true,
	}, memberA[0])
	memberB := fc.recordedLocations("f-2")
	require.Len(t, memberB, 1)
	assert.Equal(t, hpssPath+":/data/exp/2023/filtered/fileB.i3.zst", memberB[0].Path)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-31")
	assert.Equal(t, string(types.StatusCompleted), body["status"])
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, false, body["claimed"])
}

func TestNerscVerifierQuarantinesOnTapeChecksumMismatch(t *testing.T) {
	const hpssPath = "/home/projects/icecube/data/exp/2023/filtered/b-32.zip"

	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{verifyingBundle("b-32", tapedSHA)}

	fc := newFakeCatalog()
	st, err := New(types.ComponentNerscVerifier, nerscVerifierParams(t, co, fc))
	require.NoError(t, err)

	runner := &fakeRunner{respond: func(name string, args []string) (string, string, error) {
		if len(args) > 1 && args[1] == "hashlist" {
			return "deadbeef sha512 " + hpssPath + " [hsi]\n", "", nil
		}
		return "", "", nil
	}}
	st.(*NerscVerifier).hpss.WithRunner(runner)

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-32")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "checksum mismatch between creation and tape")
	assert.Empty(t, fc.recordedRegistrations(), "mismatched archives stay out of the catalog")
}

func TestNerscVerifierRejectsBundleWithoutChecksum(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{verifyingBundle("b-33", "")}

	fc := newFakeCatalog()
	st, err := New(types.ComponentNerscVerifier, nerscVerifierParams(t, co, fc))
	require.NoError(t, err)
	st.(*NerscVerifier).hpss.WithRunner(&fakeRunner{})

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-33")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "bundle has no recorded sha512")
}
