package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coldpoint/permafrost/pkg/archive"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// SiteMoveVerifier re-checksums artifacts that have landed at the
// destination site before they move on. NEXT_STATUS routes the bundle
// by deployment: taping on the archival path, unpacking on the
// retrieval path. The verified flag stays false here; only the tape
// verifiers set it.
type SiteMoveVerifier struct {
	base
	destRoot   string
	nextStatus types.Status
}

func newSiteMoveVerifier(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"DEST_SITE":    p.Config.DestSite,
		"INPUT_STATUS": string(p.Config.InputStatus),
	}); err != nil {
		return nil, err
	}
	next := types.Status(p.Extras["NEXT_STATUS"])
	if next != types.StatusTaping && next != types.StatusUnpacking {
		return nil, fmt.Errorf("NEXT_STATUS must be %q or %q, got %q",
			types.StatusTaping, types.StatusUnpacking, next)
	}
	return &SiteMoveVerifier{
		base:       newBase(types.ComponentSiteMoveVerifier, p),
		destRoot:   p.Extras["DEST_ROOT_PATH"],
		nextStatus: next,
	}, nil
}

func (s *SiteMoveVerifier) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, "", s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.verify(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *SiteMoveVerifier) verify(ctx context.Context, bundle *types.Bundle) error {
	path := filepath.Join(s.destRoot, filepath.Base(bundle.BundlePath))
	if err := archive.Verify(path, bundle.Checksum); err != nil {
		return err
	}
	s.log.Info().Str("bundle", bundle.UUID).Str("path", path).Msg("received artifact verified")
	return s.advance(ctx, bundle, s.nextStatus, nil)
}

// StatusExtras reports staging-disk usage in the heartbeat so operators
// see quota pressure next to liveness.
func (s *SiteMoveVerifier) StatusExtras() map[string]any {
	used, err := usedBytes(s.destRoot)
	if err != nil {
		s.log.Warn().Err(err).Msg("quota report failed")
		return map[string]any{}
	}
	return map[string]any{
		"quota": map[string]any{
			"path":       s.destRoot,
			"used_bytes": used,
		},
	}
}
