package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coldpoint/permafrost/pkg/tape"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// NerscRetriever stages located archives back off HPSS tape onto the
// NERSC staging disk, where the replicator picks them up for the trip
// home.
type NerscRetriever struct {
	base
	hpss     *tape.HPSS
	rseBase  string
	tapeBase string
}

func newNerscRetriever(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE":   p.Config.SourceSite,
		"DEST_SITE":     p.Config.DestSite,
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	return &NerscRetriever{
		base:     newBase(types.ComponentNerscRetriever, p),
		hpss:     tape.New(p.Extras["HSI_PATH"], p.Extras["HPSS_AVAIL_PATH"]),
		rseBase:  p.Extras["RSE_BASE_PATH"],
		tapeBase: p.Extras["TAPE_BASE_PATH"],
	}, nil
}

func (s *NerscRetriever) WorkClaim(ctx context.Context) (bool, error) {
	if !s.hpss.Available(ctx) {
		s.log.Error().Msg("HPSS unavailable, claiming no work")
		return false, nil
	}
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, s.cfg.SourceSite, s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.retrieve(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *NerscRetriever) retrieve(ctx context.Context, bundle *types.Bundle) error {
	basename := filepath.Base(bundle.BundlePath)
	local := filepath.Join(s.rseBase, basename)
	hpssPath := tape.TapePath(s.tapeBase, bundle.Path, basename)
	if err := s.hpss.Get(ctx, local, hpssPath); err != nil {
		return err
	}
	s.log.Info().Str("bundle", bundle.UUID).Str("path", local).Msg("archive staged from tape")
	// bundle_path now names the staging copy; the replicator reads it
	// from there for the trip home.
	return s.advance(ctx, bundle, s.cfg.OutputStatus, map[string]any{"bundle_path": local})
}
