package tape

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultAvailPath is where NERSC installs the HPSS availability probe.
const DefaultAvailPath = "/usr/common/mss/bin/hpss_avail"

// Runner executes tape system commands. The default implementation
// shells out on the host; tests substitute canned transcripts.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CommandError carries everything an operator needs to diagnose a
// failed tape command. Its text ends up verbatim in quarantine
// reasons, so it includes the command line and both output streams.
type CommandError struct {
	Args   []string
	Err    error
	Stdout string
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hsi command failed - %v - %v - %s - %s",
		e.Args, e.Err, strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// HPSS drives the tape system through the hsi command suite.
type HPSS struct {
	hsi    string
	avail  string
	runner Runner
}

// New creates an HPSS wrapper. Empty paths select "hsi" from PATH and
// the NERSC default availability probe.
func New(hsiPath, availPath string) *HPSS {
	if hsiPath == "" {
		hsiPath = "hsi"
	}
	if availPath == "" {
		availPath = DefaultAvailPath
	}
	return &HPSS{hsi: hsiPath, avail: availPath, runner: execRunner{}}
}

// WithRunner substitutes the command runner.
func (h *HPSS) WithRunner(r Runner) *HPSS {
	h.runner = r
	return h
}

// TapePath derives the canonical tape path for a bundle artifact:
// {base}/{warehouse path}/{artifact basename}.
func TapePath(base, warehousePath, basename string) string {
	return filepath.Join(base, warehousePath, basename)
}

// Available reports whether the HPSS archive subsystem is accepting
// work. Stages call this before popping a claim so scheduled tape
// maintenance does not fill the quarantine.
func (h *HPSS) Available(ctx context.Context) bool {
	_, _, err := h.runner.Run(ctx, h.avail, "archive")
	return err == nil
}

// MkdirAll creates a tape directory and any missing parents.
func (h *HPSS) MkdirAll(ctx context.Context, dir string) error {
	return h.run(ctx, "mkdir", "-p", dir)
}

// Put writes a staged file to tape. HPSS-side sha512 calculation is
// turned on so the verifier can later compare against the recorded
// bundle checksum without reading the tape copy back.
func (h *HPSS) Put(ctx context.Context, local, hpss string) error {
	return h.run(ctx, "put", "-c", "on", "-H", "sha512", local, ":", hpss)
}

// Get reads a file from tape to a local path with HPSS-side checksum
// verification turned on.
func (h *HPSS) Get(ctx context.Context, local, hpss string) error {
	return h.run(ctx, "get", "-c", "on", local, ":", hpss)
}

// HashList returns the sha512 HPSS recorded for a tape path.
//
// Output format (popen mode, first line):
//
//	1693e9d0...697873 sha512 /home/projects/.../50145c5c.zip [hsi]
func (h *HPSS) HashList(ctx context.Context, hpss string) (string, error) {
	stdout, stderr, err := h.runner.Run(ctx, h.hsi, "-P", "hashlist", hpss)
	if err != nil {
		return "", &CommandError{Args: []string{"-P", "hashlist", hpss}, Err: err, Stdout: stdout, Stderr: stderr}
	}
	fields := strings.Fields(firstLine(stdout))
	if len(fields) < 2 || fields[1] != "sha512" {
		return "", fmt.Errorf("hashlist returned no sha512 for %s: %q", hpss, firstLine(stdout))
	}
	return fields[0], nil
}

// HashVerify asks HPSS to re-read the tape copy and verify its
// recorded hash, auto-scheduling the retrieval.
//
// Output format (popen mode, first line):
//
//	/home/projects/.../50145c5c.zip: (sha512) OK
func (h *HPSS) HashVerify(ctx context.Context, hpss string) error {
	args := []string{"-P", "hashverify", "-A", hpss}
	stdout, stderr, err := h.runner.Run(ctx, h.hsi, args...)
	if err != nil {
		return &CommandError{Args: args, Err: err, Stdout: stdout, Stderr: stderr}
	}
	fields := strings.Fields(firstLine(stdout))
	if len(fields) < 3 || fields[1] != "(sha512)" || fields[2] != "OK" {
		return fmt.Errorf("hashverify unable to verify checksum in HPSS: %s", strings.TrimSpace(stdout))
	}
	return nil
}

func (h *HPSS) run(ctx context.Context, args ...string) error {
	stdout, stderr, err := h.runner.Run(ctx, h.hsi, args...)
	if err != nil {
		return &CommandError{Args: args, Err: err, Stdout: stdout, Stderr: stderr}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
