package stages

import (
	"context"
	"fmt"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// Locator expands retrieval requests into located bundles. It asks the
// file catalog which archives hold copies of the requested warehouse
// path at the request's source site, then records one located bundle
// per archive, carrying the archive's own path, size, and checksum so
// the retriever and verifier downstream need no catalog access.
type Locator struct {
	base
	fc *catalog.Client
}

func newLocator(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE": p.Config.SourceSite,
	}); err != nil {
		return nil, err
	}
	fc, err := fileCatalog(p, "FILE_CATALOG_PAGE_SIZE")
	if err != nil {
		return nil, err
	}
	return &Locator{base: newBase(types.ComponentLocator, p), fc: fc}, nil
}

func (s *Locator) WorkClaim(ctx context.Context) (bool, error) {
	// Retrieval requests name this site as their source; the locator
	// pops on dest because it runs wherever the request will land.
	tr, err := s.work.PopTransferRequest(ctx, "", s.cfg.SourceSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop transfer request: %w", err)
	}
	if tr == nil {
		return false, nil
	}
	if err := s.locate(ctx, tr); err != nil {
		s.quarantineRequest(ctx, tr, err)
		return true, err
	}
	return true, nil
}

func (s *Locator) locate(ctx context.Context, tr *types.TransferRequest) error {
	rlog := s.log.With().Str("request", tr.UUID).Logger()
	files, err := s.fc.FindArchived(ctx, tr.Source, tr.Path)
	if err != nil {
		return fmt.Errorf("file catalog query: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("file catalog has no archives of %s at %s", tr.Path, tr.Source)
	}
	members, order := groupByArchive(files, tr.Source)
	rlog.Info().Int("files", len(files)).Int("archives", len(order)).Msg("located request archives")

	specs := make([]map[string]any, 0, len(order))
	for _, uuid := range order {
		rec, err := s.fc.GetFile(ctx, uuid)
		if err != nil {
			return fmt.Errorf("fetch archive record %s: %w", uuid, err)
		}
		specs = append(specs, map[string]any{
			"request":     tr.UUID,
			"source":      tr.Source,
			"dest":        tr.Dest,
			"path":        tr.Path,
			"status":      types.StatusLocated,
			"bundle_path": rec.LogicalName,
			"size":        rec.FileSize,
			"checksum":    rec.Checksum,
			"file_count":  len(members[uuid]),
			"verified":    false,
		})
	}
	uuids, err := s.work.CreateBundles(ctx, specs)
	if err != nil {
		return fmt.Errorf("create bundles: %w", err)
	}
	for i, uuid := range uuids {
		if _, err := s.work.CreateMetadata(ctx, uuid, members[order[i]]); err != nil {
			return fmt.Errorf("create metadata for bundle %s: %w", uuid, err)
		}
	}
	if err := s.work.PatchTransferRequest(ctx, tr.UUID, map[string]any{
		"status":   types.StatusProcessing,
		"claimed":  false,
		"claimant": s.claimant,
	}); err != nil {
		return fmt.Errorf("advance transfer request: %w", err)
	}
	return nil
}

// groupByArchive maps archive uuid to member file uuids, preserving
// first-seen order. The archive uuid is embedded in the basename of
// each archive location path.
func groupByArchive(files []catalog.FileInfo, site string) (map[string][]string, []string) {
	members := make(map[string][]string)
	var order []string
	for _, f := range files {
		for _, loc := range f.Locations {
			if !loc.Archive || loc.Site != site {
				continue
			}
			uuid := archiveUUID(loc.Path)
			if uuid == "" {
				continue
			}
			if _, seen := members[uuid]; !seen {
				order = append(order, uuid)
			}
			members[uuid] = append(members[uuid], f.UUID)
		}
	}
	return members, order
}
