package tape

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner replays canned transcripts and records every command.
type fakeRunner struct {
	calls  [][]string
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.stdout, f.stderr, f.err
}

func TestTapePath(t *testing.T) {
	got := TapePath("/home/projects/icecube", "/data/exp/IceCube/2018/unbiased/PFDST/1230", "50145c5c.zip")
	assert.Equal(t, "/home/projects/icecube/data/exp/IceCube/2018/unbiased/PFDST/1230/50145c5c.zip", got)
}

func TestPutCommandLine(t *testing.T) {
	runner := &fakeRunner{}
	h := New("", "").WithRunner(runner)

	require.NoError(t, h.Put(context.Background(), "/rse/b-1.zip", "/tape/data/exp/b-1.zip"))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"hsi", "put", "-c", "on", "-H", "sha512", "/rse/b-1.zip", ":", "/tape/data/exp/b-1.zip"}, runner.calls[0])
}

func TestGetCommandLine(t *testing.T) {
	runner := &fakeRunner{}
	h := New("/usr/bin/hsi", "").WithRunner(runner)

	require.NoError(t, h.Get(context.Background(), "/rse/b-1.zip", "/tape/data/exp/b-1.zip"))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"/usr/bin/hsi", "get", "-c", "on", "/rse/b-1.zip", ":", "/tape/data/exp/b-1.zip"}, runner.calls[0])
}

func TestMkdirAllCommandLine(t *testing.T) {
	runner := &fakeRunner{}
	h := New("", "").WithRunner(runner)

	require.NoError(t, h.MkdirAll(context.Background(), "/tape/data/exp"))
	assert.Equal(t, []string{"hsi", "mkdir", "-p", "/tape/data/exp"}, runner.calls[0])
}

func TestCommandFailureCarriesTranscript(t *testing.T) {
	runner := &fakeRunner{stdout: "some output", stderr: "HPSS error 52", err: errors.New("exit status 52")}
	h := New("", "").WithRunner(runner)

	err := h.Put(context.Background(), "/rse/b-1.zip", "/tape/b-1.zip")
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, err.Error(), "HPSS error 52")
	assert.Contains(t, err.Error(), "exit status 52")
}

func TestAvailable(t *testing.T) {
	runner := &fakeRunner{}
	h := New("", "/usr/common/mss/bin/hpss_avail").WithRunner(runner)
	assert.True(t, h.Available(context.Background()))
	assert.Equal(t, []string{"/usr/common/mss/bin/hpss_avail", "archive"}, runner.calls[0])

	runner.err = errors.New("exit status 1")
	assert.False(t, h.Available(context.Background()))
}

func TestHashList(t *testing.T) {
	sha := strings.Repeat("16", 64)
	runner := &fakeRunner{stdout: sha + " sha512 /tape/data/exp/b-1.zip [hsi]\n"}
	h := New("", "").WithRunner(runner)

	got, err := h.HashList(context.Background(), "/tape/data/exp/b-1.zip")
	require.NoError(t, err)
	assert.Equal(t, sha, got)
	assert.Equal(t, []string{"hsi", "-P", "hashlist", "/tape/data/exp/b-1.zip"}, runner.calls[0])
}

func TestHashListRejectsForeignHash(t *testing.T) {
	runner := &fakeRunner{stdout: "d41d8cd98f00b204e9800998ecf8427e md5 /tape/b-1.zip [hsi]\n"}
	h := New("", "").WithRunner(runner)

	_, err := h.HashList(context.Background(), "/tape/b-1.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sha512")
}

func TestHashVerify(t *testing.T) {
	runner := &fakeRunner{stdout: "/tape/data/exp/b-1.zip: (sha512) OK\n"}
	h := New("", "").WithRunner(runner)

	require.NoError(t, h.HashVerify(context.Background(), "/tape/data/exp/b-1.zip"))
	assert.Equal(t, []string{"hsi", "-P", "hashverify", "-A", "/tape/data/exp/b-1.zip"}, runner.calls[0])
}

func TestHashVerifyFailureModes(t *testing.T) {
	// Verification ran but reported a bad hash.
	runner := &fakeRunner{stdout: "/tape/b-1.zip: (sha512) FAILED\n"}
	h := New("", "").WithRunner(runner)
	err := h.HashVerify(context.Background(), "/tape/b-1.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to verify checksum")

	// The command itself failed.
	runner = &fakeRunner{err: errors.New("exit status 64"), stderr: "connection refused"}
	h = New("", "").WithRunner(runner)
	err = h.HashVerify(context.Background(), "/tape/b-1.zip")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
}
