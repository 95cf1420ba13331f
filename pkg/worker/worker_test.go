package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/metrics"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type claimResult struct {
	ok  bool
	err error
}

type fakeStage struct {
	typ     string
	extras  map[string]any
	mu      sync.Mutex
	results []claimResult
	calls   int
}

func (s *fakeStage) Type() string { return s.typ }

func (s *fakeStage) WorkClaim(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return false, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.ok, r.err
}

func (s *fakeStage) StatusExtras() map[string]any { return s.extras }

func (s *fakeStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// heartbeatRecorder stands in for the coordinator's /status routes.
type heartbeatRecorder struct {
	mu       sync.Mutex
	payloads []map[string]map[string]any
	paths    []string
}

func (h *heartbeatRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.payloads = append(h.payloads, body)
		h.paths = append(h.paths, r.URL.Path)
		h.mu.Unlock()
		w.Write([]byte(`{}`))
	})
}

func (h *heartbeatRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func (h *heartbeatRecorder) last() (string, map[string]map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.payloads) == 0 {
		return "", nil
	}
	return h.paths[len(h.paths)-1], h.payloads[len(h.payloads)-1]
}

func testWorkerConfig() *config.Worker {
	return &config.Worker{
		ComponentName:    "picker-test",
		WorkSleep:        10 * time.Millisecond,
		WorkRetries:      0,
		WorkTimeout:      time.Second,
		HeartbeatSleep:   25 * time.Millisecond,
		HeartbeatRetries: 0,
		HeartbeatTimeout: time.Second,
	}
}

func newTestWorker(t *testing.T, cfg *config.Worker, stage *fakeStage) (*Worker, *heartbeatRecorder) {
	t.Helper()
	rec := &heartbeatRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	hb, err := NewClient(ClientConfig{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	w := New(cfg, Identity(cfg.ComponentName), stage, hb)
	t.Cleanup(w.Stop)
	return w, rec
}

func TestIdentityFormat(t *testing.T) {
	name := Identity("rate_limiter")
	require.True(t, strings.HasPrefix(name, "rate_limiter-"))
	_, err := uuid.Parse(strings.TrimPrefix(name, "rate_limiter-"))
	assert.NoError(t, err, "suffix is the instance uuid")
}

func TestWorkCycleClaimsUntilEmpty(t *testing.T) {
	stage := &fakeStage{typ: "picker", results: []claimResult{{ok: true}, {ok: true}}}
	w, _ := newTestWorker(t, testWorkerConfig(), stage)

	successBefore := testutil.ToFloat64(metrics.WorkSuccessesTotal.WithLabelValues("picker"))

	claimed := w.workCycle()
	assert.Equal(t, 2, claimed)
	assert.Equal(t, 3, stage.callCount(), "two claims plus the empty pop")
	assert.Equal(t, successBefore+2, testutil.ToFloat64(metrics.WorkSuccessesTotal.WithLabelValues("picker")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LoadLevel.WithLabelValues("picker")))
}

func TestWorkCycleEndsOnError(t *testing.T) {
	stage := &fakeStage{typ: "bundler", results: []claimResult{
		{ok: true, err: errors.New("zip write failed")},
		{ok: true},
	}}
	w, _ := newTestWorker(t, testWorkerConfig(), stage)

	failuresBefore := testutil.ToFloat64(metrics.WorkFailuresTotal.WithLabelValues("bundler"))

	claimed := w.workCycle()
	assert.Equal(t, 1, claimed, "the failed unit still counts as claimed")
	assert.Equal(t, 1, stage.callCount(), "the error ends the cycle")
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.WorkFailuresTotal.WithLabelValues("bundler")))
}

func TestDrainSemaphorePausesClaiming(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile(".lta-deleter-drain", nil, 0o644))

	stage := &fakeStage{typ: "deleter", results: []claimResult{{ok: true}}}
	w, _ := newTestWorker(t, testWorkerConfig(), stage)

	claimed := w.workCycle()
	assert.Equal(t, 0, claimed)
	assert.Equal(t, 0, stage.callCount(), "a draining worker never POPs")
}

func TestHeartbeatPayload(t *testing.T) {
	stage := &fakeStage{typ: "nersc_mover", extras: map[string]any{"quota": map[string]any{"used": 12}}}
	w, rec := newTestWorker(t, testWorkerConfig(), stage)

	w.sendHeartbeat()

	path, body := rec.last()
	require.NotNil(t, body)
	assert.Equal(t, "/status/nersc_mover", path)
	payload, ok := body[w.name]
	require.True(t, ok, "payload is keyed by the instance name")
	assert.NotEmpty(t, payload["timestamp"])
	assert.NotEmpty(t, payload["last_work_begin_timestamp"])
	assert.NotEmpty(t, payload["last_work_end_timestamp"])
	assert.Contains(t, payload, "quota")
}

func TestRunUntilNoWork(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.RunUntilNoWork = true
	stage := &fakeStage{typ: "picker", results: []claimResult{{ok: true}}}
	w, _ := newTestWorker(t, cfg, stage)

	w.Start()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after draining the queue")
	}
	// First cycle claims one, second cycle claims nothing and exits.
	assert.GreaterOrEqual(t, stage.callCount(), 3)
}

func TestRunOnceAndDie(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.RunOnceAndDie = true
	stage := &fakeStage{typ: "picker", results: []claimResult{{ok: true}, {ok: true}}}
	w, _ := newTestWorker(t, cfg, stage)

	w.Start()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after its single cycle")
	}
	assert.Equal(t, 3, stage.callCount(), "one cycle drains the queue and exits")
}

func TestStopEndsTheLoops(t *testing.T) {
	stage := &fakeStage{typ: "picker"}
	w, rec := newTestWorker(t, testWorkerConfig(), stage)

	w.Start()
	require.Eventually(t, func() bool { return rec.count() >= 2 },
		2*time.Second, 5*time.Millisecond, "heartbeats flow while running")

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("work loop did not exit after Stop")
	}
	// Stop is idempotent.
	w.Stop()
}
