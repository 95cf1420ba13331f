package stages

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/mover"
	"github.com/coldpoint/permafrost/pkg/types"
)

func replicatorParams(t *testing.T, co *coordinator, extras map[string]string) Params {
	t.Helper()
	return Params{
		Config:   workerConfig(types.StatusStaged, types.StatusTransferring),
		Extras:   extras,
		Claimant: "testing-replicator-1",
		Work:     co.serve(t),
	}
}

func transferBundle(uuid string) *types.Bundle {
	return &types.Bundle{
		UUID:       uuid,
		Source:     "WIPAC",
		Dest:       "NERSC",
		Status:     types.StatusStaged,
		BundlePath: "/staging/" + uuid + ".zip",
		Claimed:    true,
	}
}

func TestReplicatorRecordsTransferReference(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{transferBundle("b-7")}

	st, err := New(types.ComponentReplicator, replicatorParams(t, co, map[string]string{
		"GRIDFTP_DEST_URL": "gsiftp://gridftp.example.org:2811/staging",
		"GRIDFTP_TIMEOUT":  "30",
	}))
	require.NoError(t, err)

	runner := &fakeRunner{}
	rep := st.(*Replicator)
	rep.mover = mover.NewGridFTP("gsiftp://gridftp.example.org:2811/staging").WithRunner(runner)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	calls := runner.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"globus-url-copy", "-cd",
		"file:/staging/b-7.zip",
		"gsiftp://gridftp.example.org:2811/staging/b-7.zip",
	}, calls[0])

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-7")
	assert.Equal(t, string(types.StatusTransferring), body["status"])
	assert.Equal(t, "gsiftp://gridftp.example.org:2811/staging/b-7.zip", body["transfer_reference"])
	assert.Equal(t, false, body["claimed"])
}

func TestReplicatorRetriesTransientFailures(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{transferBundle("b-8")}

	st, err := New(types.ComponentReplicator, replicatorParams(t, co, map[string]string{
		"GRIDFTP_DEST_URL": "gsiftp://gridftp.example.org:2811/staging",
		"GRIDFTP_TIMEOUT":  "30",
	}))
	require.NoError(t, err)

	attempts := 0
	runner := &fakeRunner{respond: func(name string, args []string) (string, string, error) {
		attempts++
		if attempts == 1 {
			return "", "connection reset", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	rep := st.(*Replicator)
	rep.mover = mover.NewGridFTP("gsiftp://gridftp.example.org:2811/staging").WithRunner(runner)
	rep.backoff = time.Millisecond

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 2, attempts)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-8")
	assert.Equal(t, string(types.StatusTransferring), body["status"])
}

func TestReplicatorQuarantinesPersistentFailure(t *testing.T) {
	co := newCoordinator()
	co.bundleQueue = []*types.Bundle{transferBundle("b-9")}

	st, err := New(types.ComponentReplicator, replicatorParams(t, co, map[string]string{
		"GRIDFTP_DEST_URL": "gsiftp://gridftp.example.org:2811/staging",
		"GRIDFTP_TIMEOUT":  "30",
	}))
	require.NoError(t, err)

	runner := &fakeRunner{respond: func(name string, args []string) (string, string, error) {
		return "", "530 login incorrect", errors.New("exit status 1")
	}}
	rep := st.(*Replicator)
	rep.mover = mover.NewGridFTP("gsiftp://gridftp.example.org:2811/staging").WithRunner(runner)
	rep.backoff = time.Millisecond

	claimed, err := st.WorkClaim(context.Background())
	require.Error(t, err)
	assert.True(t, claimed)
	assert.Len(t, runner.recordedCalls(), transferRetries+1)

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-9")
	assert.Equal(t, string(types.StatusQuarantined), body["status"])
	assert.Contains(t, body["reason"], "replicator: ")
	assert.Contains(t, body["reason"], "530 login incorrect")
}

func TestReplicatorUsesWebDAVDoor(t *testing.T) {
	var gotPath string
	var gotAuth string
	door := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(door.Close)

	staging := t.TempDir()
	writeFile(t, staging+"/b-10.zip", "artifact bytes")

	co := newCoordinator()
	b := transferBundle("b-10")
	b.BundlePath = staging + "/b-10.zip"
	co.bundleQueue = []*types.Bundle{b}

	st, err := New(types.ComponentReplicator, replicatorParams(t, co, map[string]string{
		"WEBDAV_DEST_URL": door.URL + "/lta",
		"GRIDFTP_TIMEOUT": "30",
	}))
	require.NoError(t, err)

	claimed, err := st.WorkClaim(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "/lta/b-10.zip", gotPath)
	assert.Empty(t, gotAuth, "no token source configured, no bearer header")

	body := requirePatch(t, co.recordedPatches(), "/Bundles/b-10")
	assert.Equal(t, door.URL+"/lta/b-10.zip", body["transfer_reference"])
}

func TestReplicatorRejectsAmbiguousDoors(t *testing.T) {
	co := newCoordinator()
	_, err := New(types.ComponentReplicator, replicatorParams(t, co, map[string]string{
		"GRIDFTP_DEST_URL": "gsiftp://a",
		"WEBDAV_DEST_URL":  "https://b",
		"GRIDFTP_TIMEOUT":  "30",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	_, err = New(types.ComponentReplicator, replicatorParams(t, co, map[string]string{
		"GRIDFTP_TIMEOUT": "30",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRIDFTP_DEST_URL or WEBDAV_DEST_URL")
}
