package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/coldpoint/permafrost/pkg/archive"
	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// Unpacker restores retrieved archives to the warehouse. It extracts
// the artifact, places every member at its manifest logical name (with
// the path map applied), verifies sizes and checksums, and records a
// fresh warehouse location for each member in the file catalog. The
// artifact uuid comes from the bundle path basename: a retrieval
// bundle's own uuid names the retrieval, not the archive it carries.
type Unpacker struct {
	base
	fc       *catalog.Client
	unpacker *archive.Unpacker
}

func newUnpacker(p Params) (worker.Stage, error) {
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
	pathMap, err := loadPathMap(p.Extras["PATH_MAP_JSON"])
	if err != nil {
		return nil, err
	}
	return &Unpacker{
		base: newBase(types.ComponentUnpacker, p),
		fc:   fc,
		unpacker: &archive.Unpacker{
			Workbox: p.Extras["UNPACKER_WORKBOX_PATH"],
			Outbox:  p.Extras["UNPACKER_OUTBOX_PATH"],
			PathMap: pathMap,
		},
	}, nil
}

// loadPathMap reads the prefix-rewrite table, a JSON object of old
// prefix to new prefix. An empty path means no rewrites.
func loadPathMap(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read path map: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse path map %s: %w", path, err)
	}
	return m, nil
}

func (s *Unpacker) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, "", s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.unpack(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *Unpacker) unpack(ctx context.Context, bundle *types.Bundle) error {
	blog := s.log.With().Str("bundle", bundle.UUID).Logger()
	artifactUUID := archiveUUID(bundle.BundlePath)
	if artifactUUID == "" {
		return fmt.Errorf("bundle path %q names no artifact", bundle.BundlePath)
	}
	m, err := s.unpacker.Extract(artifactUUID)
	if err != nil {
		return err
	}
	blog.Info().Str("artifact", artifactUUID).Int("files", len(m.Files)).Msg("artifact extracted")
	for i := range m.Files {
		rec := &m.Files[i]
		dest, err := s.unpacker.Place(rec)
		if err != nil {
			return err
		}
		loc := catalog.Location{Site: bundle.Dest, Path: dest}
		if err := s.fc.AddLocation(ctx, rec.UUID, loc); err != nil {
			return fmt.Errorf("add warehouse location to %s: %w", rec.UUID, err)
		}
	}
	if err := s.unpacker.Cleanup(artifactUUID); err != nil {
		return err
	}
	if err := s.work.DeleteMetadataByBundle(ctx, bundle.UUID); err != nil {
		return fmt.Errorf("delete bundle metadata: %w", err)
	}
	blog.Info().Int("files", len(m.Files)).Msg("archive restored to warehouse")
	return s.advance(ctx, bundle, types.StatusCompleted, nil)
}
