package stages

import (
	"context"
	"fmt"

	"github.com/coldpoint/permafrost/pkg/archive"
	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// Bundler materializes specified bundles as ZIP64 artifacts on the
// staging disk. Membership comes from the bundle's metadata mappings;
// the full catalog record of every member is embedded in the manifest
// so the artifact is self-describing on tape.
type Bundler struct {
	base
	fc      *catalog.Client
	builder *archive.Builder
}

func newBundler(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE":   p.Config.SourceSite,
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	fc, err := fileCatalog(p, "")
	if err != nil {
		return nil, err
	}
	return &Bundler{
		base: newBase(types.ComponentBundler, p),
		fc:   fc,
		builder: &archive.Builder{
			Workbox: p.Extras["BUNDLER_WORKBOX_PATH"],
			Outbox:  p.Extras["BUNDLER_OUTBOX_PATH"],
		},
	}, nil
}

func (s *Bundler) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, s.cfg.SourceSite, "", s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.build(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *Bundler) build(ctx context.Context, bundle *types.Bundle) error {
	blog := s.log.With().Str("bundle", bundle.UUID).Logger()
	fileUUIDs, err := s.metadataFileUUIDs(ctx, bundle.UUID)
	if err != nil {
		return err
	}
	if len(fileUUIDs) == 0 {
		return fmt.Errorf("bundle has no metadata mappings")
	}
	m := archive.NewManifest(bundle.UUID)
	for _, uuid := range fileUUIDs {
		rec, err := s.fc.GetFile(ctx, uuid)
		if err != nil {
			return fmt.Errorf("fetch file record %s: %w", uuid, err)
		}
		m.Files = append(m.Files, *rec)
	}
	artifact, err := s.builder.Build(m)
	if err != nil {
		return err
	}
	blog.Info().
		Str("artifact", artifact.Path).
		Int64("size", artifact.Size).
		Int("files", artifact.FileCount).
		Msg("bundle artifact built")
	return s.advance(ctx, bundle, s.cfg.OutputStatus, map[string]any{
		"bundle_path": artifact.Path,
		"size":        artifact.Size,
		"checksum":    artifact.Checksum,
		"verified":    false,
		"file_count":  artifact.FileCount,
	})
}
