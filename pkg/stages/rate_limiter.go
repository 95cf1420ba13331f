package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coldpoint/permafrost/pkg/archive"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// RateLimiter throttles how many artifact bytes sit on the transfer
// staging disk at once. It measures the staging directory before every
// move; a bundle that would overflow the quota is released to the back
// of the queue instead of advanced, and gets another turn once the
// replicator and deleter have drained the disk.
type RateLimiter struct {
	base
	inputPath  string
	outputPath string
	quota      int64
}

func newRateLimiter(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE":   p.Config.SourceSite,
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	quota, err := config.Int64(p.Extras, "OUTPUT_QUOTA")
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		base:       newBase(types.ComponentRateLimiter, p),
		inputPath:  p.Extras["INPUT_PATH"],
		outputPath: p.Extras["OUTPUT_PATH"],
		quota:      quota,
	}, nil
}

func (s *RateLimiter) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, s.cfg.SourceSite, s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	staged, err := s.stage(ctx, bundle)
	if err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	if !staged {
		// Requeued, not advanced. End the cycle: with the quota full
		// every further pop would requeue the same bundles again.
		return false, nil
	}
	return true, nil
}

// stage moves the artifact onto the staging disk when quota allows. It
// returns false when the bundle was requeued instead of advanced.
func (s *RateLimiter) stage(ctx context.Context, bundle *types.Bundle) (bool, error) {
	blog := s.log.With().Str("bundle", bundle.UUID).Logger()
	used, err := usedBytes(s.outputPath)
	if err != nil {
		return false, fmt.Errorf("measure staging directory: %w", err)
	}
	if used+bundle.Size > s.quota {
		blog.Info().
			Int64("used", used).
			Int64("size", bundle.Size).
			Int64("quota", s.quota).
			Msg("staging quota reached, requeueing bundle")
		if err := s.requeue(ctx, bundle); err != nil {
			return false, err
		}
		return false, nil
	}
	name := filepath.Base(bundle.BundlePath)
	src := filepath.Join(s.inputPath, name)
	dst := filepath.Join(s.outputPath, name)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		// Missing artifact is a skip, not a failure: the bundler's
		// outbox move may still be in flight.
		blog.Warn().Str("path", src).Msg("artifact not on input disk, requeueing bundle")
		if err := s.requeue(ctx, bundle); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := archive.Move(src, dst); err != nil {
		return false, err
	}
	blog.Info().Str("path", dst).Msg("artifact staged for transfer")
	if err := s.advance(ctx, bundle, s.cfg.OutputStatus, map[string]any{"bundle_path": dst}); err != nil {
		return false, err
	}
	return true, nil
}
