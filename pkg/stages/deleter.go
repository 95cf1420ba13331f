package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// Deleter removes staging copies the pipeline is done with. One
// deployment runs against the source staging disk once the tape copy
// verifies (completed to source-deleted); another runs against the
// destination staging disk (source-deleted to deleted). USE_DEST_SITE
// picks which side the pop filters on.
type Deleter struct {
	base
	diskBase string
	useDest  bool
}

func newDeleter(p Params) (worker.Stage, error) {
	useDest, err := config.Bool(p.Extras, "USE_DEST_SITE")
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}
	if useDest {
		fields["DEST_SITE"] = p.Config.DestSite
	} else {
		fields["SOURCE_SITE"] = p.Config.SourceSite
	}
	if err := requireEnv(fields); err != nil {
		return nil, err
	}
	return &Deleter{
		base:     newBase(types.ComponentDeleter, p),
		diskBase: p.Extras["DISK_BASE_PATH"],
		useDest:  useDest,
	}, nil
}

func (s *Deleter) WorkClaim(ctx context.Context) (bool, error) {
	source, dest := s.cfg.SourceSite, ""
	if s.useDest {
		source, dest = "", s.cfg.DestSite
	}
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, source, dest, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.remove(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *Deleter) remove(ctx context.Context, bundle *types.Bundle) error {
	path := filepath.Join(s.diskBase, filepath.Base(bundle.BundlePath))
	err := os.Remove(path)
	switch {
	case err == nil:
		s.log.Info().Str("bundle", bundle.UUID).Str("path", path).Msg("staging copy removed")
	case os.IsNotExist(err):
		// Already gone counts as success: deletes get retried after
		// partial failures.
		s.log.Debug().Str("bundle", bundle.UUID).Str("path", path).Msg("staging copy already absent")
	default:
		return fmt.Errorf("remove staging copy %s: %w", path, err)
	}
	return s.advance(ctx, bundle, s.cfg.OutputStatus, nil)
}
