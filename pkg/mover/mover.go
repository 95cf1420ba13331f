package mover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds a single transfer attempt. Tape-bound bundles
// run to hundreds of gigabytes, so the window is generous.
const DefaultTimeout = 1200 * time.Second

// Mover copies a staged bundle artifact to the destination site. Put
// returns the destination URL of the uploaded object, which the
// replicator records as the bundle's transfer reference.
type Mover interface {
	Put(ctx context.Context, path string) (string, error)
}

// Runner executes an external command and returns its captured output.
// Tests substitute a fake to assert command lines without a Globus
// toolchain on the host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// TransferError reports a failed transfer command together with its
// transcript, so quarantine reasons carry enough context to debug a
// remote site problem after the fact.
type TransferError struct {
	Args   []string
	Err    error
	Stdout string
	Stderr string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer command failed - %v - %v - %s - %s", e.Args, e.Err, e.Stdout, e.Stderr)
}

func (e *TransferError) Unwrap() error { return e.Err }

// GridFTP moves artifacts with globus-url-copy. Proxy credentials are
// ambient (X509_USER_PROXY or a default proxy path); the mover only
// shells out.
type GridFTP struct {
	dest    string
	cred    string
	timeout time.Duration
	runner  Runner
}

// NewGridFTP returns a GridFTP mover that puts artifacts under destURL.
func NewGridFTP(destURL string) *GridFTP {
	return &GridFTP{
		dest:    destURL,
		timeout: DefaultTimeout,
		runner:  execRunner{},
	}
}

// WithTimeout overrides the per-transfer timeout.
func (g *GridFTP) WithTimeout(d time.Duration) *GridFTP {
	if d > 0 {
		g.timeout = d
	}
	return g
}

// WithCredential sets the credential file presented for source-side
// connections on Get. DESY grants read access through a dedicated
// robot credential rather than the ambient proxy.
func (g *GridFTP) WithCredential(path string) *GridFTP {
	g.cred = path
	return g
}

// WithRunner replaces the command runner, for tests.
func (g *GridFTP) WithRunner(r Runner) *GridFTP {
	g.runner = r
	return g
}

// Put copies the artifact at path to the destination and returns the
// destination URL. The -cd flag tells globus-url-copy to create any
// missing destination directories.
func (g *GridFTP) Put(ctx context.Context, path string) (string, error) {
	dest := JoinURL(g.dest, filepath.Base(path))
	if err := g.run(ctx, "-cd", "file:"+path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// Get copies a remote artifact to localPath. The -fast and -gridftp2
// flags reuse data channels and enable GridFTP v2, which the dCache
// doors at DESY require for acceptable throughput.
func (g *GridFTP) Get(ctx context.Context, srcURL, localPath string) error {
	args := []string{"-fast", "-gridftp2"}
	if g.cred != "" {
		args = append(args, "-src-cred", g.cred)
	}
	args = append(args, srcURL, localPath)
	return g.run(ctx, args...)
}

func (g *GridFTP) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	stdout, stderr, err := g.runner.Run(ctx, "globus-url-copy", args...)
	if err != nil {
		return &TransferError{
			Args:   append([]string{"globus-url-copy"}, args...),
			Err:    err,
			Stdout: stdout,
			Stderr: stderr,
		}
	}
	return nil
}

// WebDAV moves artifacts with an HTTP PUT against a WebDAV door. It is
// the alternate transfer service for destinations that front their
// storage with dCache WebDAV instead of GridFTP.
type WebDAV struct {
	dest   string
	client *http.Client
	tokens oauth2.TokenSource
}

// NewWebDAV returns a WebDAV mover that puts artifacts under destURL.
func NewWebDAV(destURL string) *WebDAV {
	return &WebDAV{
		dest:   destURL,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (w *WebDAV) WithHTTPClient(c *http.Client) *WebDAV {
	w.client = c
	return w
}

// WithTokenSource attaches bearer tokens to every upload.
func (w *WebDAV) WithTokenSource(ts oauth2.TokenSource) *WebDAV {
	w.tokens = ts
	return w
}

// Put streams the artifact at path to the door and returns the
// destination URL.
func (w *WebDAV) Put(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	dest := JoinURL(w.dest, filepath.Base(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest, f)
	if err != nil {
		return "", err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	if w.tokens != nil {
		tok, err := w.tokens.Token()
		if err != nil {
			return "", fmt.Errorf("webdav token: %w", err)
		}
		tok.SetAuthHeader(req)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("webdav put %s: %s: %s", dest, resp.Status, strings.TrimSpace(string(body)))
	}
	return dest, nil
}

// JoinURL appends elem to a base URL, collapsing duplicate slashes.
func JoinURL(base, elem string) string {
	return strings.TrimRight(base, "/") + "/" + elem
}
