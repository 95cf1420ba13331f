package framework

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Sites lays out the on-disk geography of a two-site deployment under
// a test temp dir: the source site's warehouse and transfer buffers,
// the destination site's disk buffer and tape stand-in, and stub
// binaries for the tape tooling.
type Sites struct {
	// Source side.
	Warehouse string // canonical data store the picker catalogs
	Workbox   string // bundler scratch space
	Outbox    string // bundler output, rate limiter input
	Staging   string // rate limiter output, replicator input
	Inbox     string // return transfers land here
	Scratch   string // unpacker scratch space

	// Destination side.
	RSE  string // disk buffer in front of tape
	Tape string // tape filesystem stand-in

	// Tape tooling stubs.
	HSI       string
	HPSSAvail string
}

// hsiScript mimics the hsi invocations the tape package makes. put and
// get copy between the local and tape filesystems, hashlist reports
// the tape copy's sha512 in popen format, and hashverify confirms the
// tape copy exists.
const hsiScript = `#!/bin/sh
set -e
case "$1" in
mkdir)
    shift
    if [ "$1" = "-p" ]; then shift; fi
    mkdir -p "$@"
    ;;
put)
    # put -c on -H sha512 LOCAL : HPSS
    cp "$6" "$8"
    ;;
get)
    # get -c on LOCAL : HPSS
    cp "$6" "$4"
    ;;
-P)
    case "$2" in
    hashlist)
        sum=$(sha512sum "$3")
        echo "${sum%% *} sha512 $3 [hsi]"
        ;;
    hashverify)
        test -f "$4"
        echo "$4: (sha512) OK"
        ;;
    *)
        echo "unsupported -P command: $2" >&2
        exit 1
        ;;
    esac
    ;;
*)
    echo "unsupported hsi command: $1" >&2
    exit 1
    ;;
esac
`

const availScript = `#!/bin/sh
exit 0
`

// NewSites builds the directory layout and tool stubs under t.TempDir.
func NewSites(t *testing.T) *Sites {
	t.Helper()
	base := t.TempDir()
	s := &Sites{
		Warehouse: filepath.Join(base, "warehouse"),
		Workbox:   filepath.Join(base, "workbox"),
		Outbox:    filepath.Join(base, "outbox"),
		Staging:   filepath.Join(base, "staging"),
		Inbox:     filepath.Join(base, "inbox"),
		Scratch:   filepath.Join(base, "scratch"),
		RSE:       filepath.Join(base, "rse"),
		Tape:      filepath.Join(base, "tape"),
	}
	for _, dir := range []string{s.Warehouse, s.Workbox, s.Outbox, s.Staging, s.Inbox, s.Scratch, s.RSE, s.Tape} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	bin := filepath.Join(base, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	s.HSI = filepath.Join(bin, "hsi")
	s.HPSSAvail = filepath.Join(bin, "hpss_avail")
	require.NoError(t, os.WriteFile(s.HSI, []byte(hsiScript), 0o755))
	require.NoError(t, os.WriteFile(s.HPSSAvail, []byte(availScript), 0o755))
	return s
}

// Door is a minimal WebDAV endpoint that accepts PUTs into a local
// directory. It can be told to fail the next N requests so transfer
// retry behavior is observable.
type Door struct {
	URL string

	dir       string
	mu        sync.Mutex
	puts      []string
	failures  int
	sawBearer bool
}

// NewDoor serves PUTs into dir.
func NewDoor(t *testing.T, dir string) *Door {
	t.Helper()
	d := &Door{dir: dir}
	srv := httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(srv.Close)
	d.URL = srv.URL
	return d
}

// FailNext makes the door answer the next n requests with a 500.
func (d *Door) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

// Puts returns the artifact names received so far, including the
// attempts that were answered with a failure.
func (d *Door) Puts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.puts...)
}

// SawBearer reports whether every request so far carried a bearer token.
func (d *Door) SawBearer() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sawBearer && len(d.puts) > 0
}

func (d *Door) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := filepath.Base(r.URL.Path)

	d.mu.Lock()
	d.puts = append(d.puts, name)
	if len(d.puts) == 1 {
		d.sawBearer = true
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		d.sawBearer = false
	}
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	d.mu.Unlock()

	if fail {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	f, err := os.Create(filepath.Join(d.dir, name))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := f.Close(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
