package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coldpoint/permafrost/pkg/tape"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// NerscMover copies verified artifacts from the NERSC staging disk
// onto HPSS tape. HPSS records a sha512 of its own during the put; the
// tape verifier compares it against the bundle's recorded checksum
// later.
type NerscMover struct {
	base
	hpss     *tape.HPSS
	rseBase  string
	tapeBase string
}

func newNerscMover(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"DEST_SITE":    p.Config.DestSite,
		"INPUT_STATUS": string(p.Config.InputStatus),
	}); err != nil {
		return nil, err
	}
	return &NerscMover{
		base:     newBase(types.ComponentNerscMover, p),
		hpss:     tape.New(p.Extras["HSI_PATH"], p.Extras["HPSS_AVAIL_PATH"]),
		rseBase:  p.Extras["RSE_BASE_PATH"],
		tapeBase: p.Extras["TAPE_BASE_PATH"],
	}, nil
}

func (s *NerscMover) WorkClaim(ctx context.Context) (bool, error) {
	if !s.hpss.Available(ctx) {
		s.log.Error().Msg("HPSS unavailable, claiming no work")
		return false, nil
	}
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, "", s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.tapeBundle(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *NerscMover) tapeBundle(ctx context.Context, bundle *types.Bundle) error {
	basename := filepath.Base(bundle.BundlePath)
	local := filepath.Join(s.rseBase, basename)
	hpssPath := tape.TapePath(s.tapeBase, bundle.Path, basename)
	if err := s.hpss.MkdirAll(ctx, filepath.Dir(hpssPath)); err != nil {
		return err
	}
	if err := s.hpss.Put(ctx, local, hpssPath); err != nil {
		return err
	}
	s.log.Info().Str("bundle", bundle.UUID).Str("tape", hpssPath).Msg("artifact written to tape")
	return s.advance(ctx, bundle, types.StatusVerifying, nil)
}
