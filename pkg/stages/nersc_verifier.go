package stages

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/tape"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// NerscVerifier confirms the tape copy: the sha512 HPSS recorded during
// the put must match the checksum computed at bundle creation, and an
// hsi hashverify pass must come back clean. A verified bundle and its
// member files are then registered in the file catalog, making the
// archive findable for later retrieval.
type NerscVerifier struct {
	base
	fc       *catalog.Client
	hpss     *tape.HPSS
	tapeBase string
}

func newNerscVerifier(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"DEST_SITE":    p.Config.DestSite,
		"INPUT_STATUS": string(p.Config.InputStatus),
	}); err != nil {
		return nil, err
	}
	fc, err := fileCatalog(p, "")
	if err != nil {
		return nil, err
	}
	return &NerscVerifier{
		base:     newBase(types.ComponentNerscVerifier, p),
		fc:       fc,
		hpss:     tape.New(p.Extras["HSI_PATH"], p.Extras["HPSS_AVAIL_PATH"]),
		tapeBase: p.Extras["TAPE_BASE_PATH"],
	}, nil
}

func (s *NerscVerifier) WorkClaim(ctx context.Context) (bool, error) {
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
	if err := s.verify(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *NerscVerifier) verify(ctx context.Context, bundle *types.Bundle) error {
	if bundle.Checksum == nil || bundle.Checksum.SHA512 == "" {
		return fmt.Errorf("bundle has no recorded sha512")
	}
	basename := filepath.Base(bundle.BundlePath)
	hpssPath := tape.TapePath(s.tapeBase, bundle.Path, basename)
	recorded, err := s.hpss.HashList(ctx, hpssPath)
	if err != nil {
		return err
	}
	if recorded != bundle.Checksum.SHA512 {
		return fmt.Errorf("checksum mismatch between creation and tape: calculated %s expected %s",
			recorded, bundle.Checksum.SHA512)
	}
	if err := s.hpss.HashVerify(ctx, hpssPath); err != nil {
		return err
	}
	fileUUIDs, err := s.metadataFileUUIDs(ctx, bundle.UUID)
	if err != nil {
		return err
	}
	offline := false
	loc := catalog.Location{
		Site:   bundle.Dest,
		Path:   hpssPath,
		HPSS:   true,
		Online: &offline,
	}
	if err := registerArchive(ctx, s.fc, bundle, hpssPath, loc, fileUUIDs); err != nil {
		return err
	}
	s.log.Info().Str("bundle", bundle.UUID).Str("tape", hpssPath).Msg("tape copy verified and cataloged")
	return s.advance(ctx, bundle, types.StatusCompleted, map[string]any{"verified": true})
}
