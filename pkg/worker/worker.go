package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/metrics"
	"github.com/coldpoint/permafrost/pkg/types"
)

// Stage is one archival pipeline action. WorkClaim claims and processes
// a single work unit: it returns true when a unit was claimed (even if
// processing it then failed) and false when the queue was empty. A
// non-nil error ends the current work cycle; the stage is expected to
// have quarantined whatever it claimed before returning one.
type Stage interface {
	Type() string
	WorkClaim(ctx context.Context) (bool, error)
}

// StatusReporter is implemented by stages that contribute extra fields
// to the heartbeat payload, such as NERSC quota numbers.
type StatusReporter interface {
	StatusExtras() map[string]any
}

// Identity mints the claimant identity for one worker process:
// {COMPONENT_NAME}-{instance uuid}.
func Identity(componentName string) string {
	return componentName + "-" + uuid.NewString()
}

// Worker runs a stage: a heartbeat loop and a work loop sharing a stop
// channel, the way every archival component behaves regardless of which
// action it performs.
type Worker struct {
	cfg        *config.Worker
	stage      Stage
	heartbeats *Client
	name       string
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	mu            sync.Mutex
	lastWorkBegin string
	lastWorkEnd   string
}

// New assembles a worker around a stage. The heartbeat client is
// separate from the stage's work client so a wedged work call cannot
// starve liveness reporting.
func New(cfg *config.Worker, name string, stage Stage, heartbeats *Client) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	now := types.Now()
	return &Worker{
		cfg:           cfg,
		stage:         stage,
		heartbeats:    heartbeats,
		name:          name,
		log:           log.WithWorker(stage.Type(), name),
		ctx:           ctx,
		cancel:        cancel,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		lastWorkBegin: now,
		lastWorkEnd:   now,
	}
}

// Start launches the heartbeat loop and the work loop.
func (w *Worker) Start() {
	w.log.Info().
		Str("component", w.stage.Type()).
		Dur("work_sleep", w.cfg.WorkSleep).
		Dur("heartbeat_sleep", w.cfg.HeartbeatSleep).
		Msg("worker starting")
	w.sendHeartbeat()
	go w.heartbeatLoop()
	go w.workLoop()
}

// Stop cancels in-flight coordinator calls and stops both loops. The
// work loop finishes its current action before exiting; Done reports
// when it has.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.cancel()
	})
}

// Done is closed when the work loop has exited, either because Stop was
// called or because a termination mode ended the run.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.cfg.HeartbeatSleep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sendHeartbeat()
		case <-w.stopCh:
			return
		}
	}
}

// sendHeartbeat PATCHes this instance's row under /status/{type}.
// Failures are logged and counted; the loop never stops heartbeating
// because one PATCH exhausted its retries.
func (w *Worker) sendHeartbeat() {
	payload := map[string]any{
		"timestamp": types.Now(),
	}
	w.mu.Lock()
	payload["last_work_begin_timestamp"] = w.lastWorkBegin
	payload["last_work_end_timestamp"] = w.lastWorkEnd
	w.mu.Unlock()
	if reporter, ok := w.stage.(StatusReporter); ok {
		for k, v := range reporter.StatusExtras() {
			payload[k] = v
		}
	}

	if err := w.heartbeats.SendHeartbeat(w.ctx, w.stage.Type(), w.name, payload); err != nil {
		metrics.HeartbeatFailuresTotal.WithLabelValues(w.stage.Type()).Inc()
		w.log.Error().Err(err).Msg("heartbeat failed")
	}
}

func (w *Worker) workLoop() {
	defer close(w.doneCh)

	for {
		claimed := w.workCycle()
		if w.cfg.RunOnceAndDie {
			w.log.Info().Int("claimed", claimed).Msg("single work cycle complete")
			return
		}
		if w.cfg.RunUntilNoWork && claimed == 0 {
			w.log.Info().Msg("queue empty, run complete")
			return
		}
		select {
		case <-time.After(w.cfg.WorkSleep):
		case <-w.stopCh:
			return
		}
	}
}

// workCycle claims work until the queue is empty, an error ends the
// cycle, or the drain semaphore is present. It returns how many units
// were claimed.
func (w *Worker) workCycle() int {
	if w.draining() {
		w.log.Warn().Str("file", w.drainFile()).Msg("drain semaphore present, claiming no work")
		return 0
	}

	w.setLastWorkBegin()
	defer w.setLastWorkEnd()

	claimed := 0
	for {
		select {
		case <-w.stopCh:
			return claimed
		default:
		}

		timer := metrics.NewTimer()
		ok, err := w.stage.WorkClaim(w.ctx)
		if ok {
			claimed++
		}
		if err != nil {
			metrics.WorkFailuresTotal.WithLabelValues(w.stage.Type()).Inc()
			w.log.Error().Err(err).Msg("work claim failed")
			break
		}
		if !ok {
			break
		}
		metrics.WorkSuccessesTotal.WithLabelValues(w.stage.Type()).Inc()
		timer.ObserveDurationVec(metrics.WorkDuration, w.stage.Type())
	}
	metrics.LoadLevel.WithLabelValues(w.stage.Type()).Set(float64(claimed))
	return claimed
}

// drainFile is the operator-touched semaphore that pauses claiming
// without stopping the process.
func (w *Worker) drainFile() string {
	return ".lta-" + w.stage.Type() + "-drain"
}

func (w *Worker) draining() bool {
	_, err := os.Stat(w.drainFile())
	return err == nil
}

func (w *Worker) setLastWorkBegin() {
	w.mu.Lock()
	w.lastWorkBegin = types.Now()
	w.mu.Unlock()
}

func (w *Worker) setLastWorkEnd() {
	w.mu.Lock()
	w.lastWorkEnd = types.Now()
	w.mu.Unlock()
}
