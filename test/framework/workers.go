package framework

import (
	"context"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/stages"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// StageEnv is the per-component routing and environment a test gives a
// stage: which sites it works between, which statuses it moves bundles
// from and to, and the component-specific extras.
type StageEnv struct {
	SourceSite   string
	DestSite     string
	InputStatus  types.Status
	OutputStatus types.Status
	Extras       map[string]string
}

func (p *Pipeline) workerConfig(typ string, env StageEnv) *config.Worker {
	return &config.Worker{
		ComponentName:    "test-" + typ,
		SourceSite:       env.SourceSite,
		DestSite:         env.DestSite,
		InputStatus:      env.InputStatus,
		OutputStatus:     env.OutputStatus,
		RestURL:          p.URL,
		OpenIDURL:        p.Issuer.URL,
		ClientID:         WorkerClientID,
		ClientSecret:     ClientSecret,
		WorkSleep:        25 * time.Millisecond,
		WorkRetries:      2,
		WorkTimeout:      10 * time.Second,
		HeartbeatSleep:   25 * time.Millisecond,
		HeartbeatRetries: 2,
		HeartbeatTimeout: 10 * time.Second,
		RunUntilNoWork:   true,
	}
}

// newStage builds a stage action the way the launcher does, applying
// the component's declared defaults under the test-provided extras.
func (p *Pipeline) newStage(typ string, cfg *config.Worker, env StageEnv, claimant string, work *worker.Client) worker.Stage {
	p.T.Helper()
	spec, ok := stages.Env(typ)
	require.True(p.T, ok, "unknown component type %q", typ)

	extras := make(map[string]string, len(spec.Defaults)+len(env.Extras))
	for k, v := range spec.Defaults {
		extras[k] = v
	}
	for k, v := range env.Extras {
		extras[k] = v
	}
	for _, key := range spec.Required {
		require.NotEmpty(p.T, extras[key], "component %s requires %s", typ, key)
	}

	stage, err := stages.New(typ, stages.Params{
		Config:   cfg,
		Extras:   extras,
		Claimant: claimant,
		Work:     work,
	})
	require.NoError(p.T, err)
	return stage
}

// RunStage drives one stage claim by claim until it reports no work
// and returns how many claims it worked. A claim error ends the run
// the same way a work cycle would; the stage has already quarantined
// the document by the time the error surfaces.
func (p *Pipeline) RunStage(typ string, env StageEnv) int {
	p.T.Helper()
	defer p.Snapshot()

	cfg := p.workerConfig(typ, env)
	claimant := worker.Identity(cfg.ComponentName)
	stage := p.newStage(typ, cfg, env, claimant, p.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	claimed := 0
	for {
		ok, err := stage.WorkClaim(ctx)
		if ok {
			claimed++
		}
		if err != nil {
			p.T.Logf("%s ended its run after an error: %v", typ, err)
			return claimed
		}
		if !ok {
			return claimed
		}
	}
}

// RunWorker runs the full harness for one component until its queue
// drains: startup heartbeat, heartbeat loop, work loop, shutdown.
func (p *Pipeline) RunWorker(typ string, env StageEnv) {
	p.T.Helper()
	defer p.Snapshot()

	cfg := p.workerConfig(typ, env)
	claimant := worker.Identity(cfg.ComponentName)
	stage := p.newStage(typ, cfg, env, claimant, p.Client())

	w := worker.New(cfg, claimant, stage, p.Client())
	w.Start()
	defer w.Stop()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Minute):
		p.T.Fatalf("%s did not drain its queue in time", typ)
	}
}
