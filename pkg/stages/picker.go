package stages

import (
	"context"
	"fmt"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// Picker expands claimed transfer requests into bundle specifications.
// It asks the file catalog for everything under the request's
// warehouse path, chunks the inventory by size, and records one bundle
// plus its metadata mappings per chunk. The request itself moves to
// processing and leaves the work queue.
type Picker struct {
	base
	fc            *catalog.Client
	maxBundleSize int64
}

func newPicker(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE":   p.Config.SourceSite,
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	maxSize, err := config.Int64(p.Extras, "MAX_BUNDLE_SIZE")
	if err != nil {
		return nil, err
	}
	fc, err := fileCatalog(p, "FILE_CATALOG_PAGE_SIZE")
	if err != nil {
		return nil, err
	}
	return &Picker{
		base:          newBase(types.ComponentPicker, p),
		fc:            fc,
		maxBundleSize: maxSize,
	}, nil
}

func (s *Picker) WorkClaim(ctx context.Context) (bool, error) {
	tr, err := s.work.PopTransferRequest(ctx, s.cfg.SourceSite, "", s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop transfer request: %w", err)
	}
	if tr == nil {
		return false, nil
	}
	if err := s.pick(ctx, tr); err != nil {
		s.quarantineRequest(ctx, tr, err)
		return true, err
	}
	return true, nil
}

func (s *Picker) pick(ctx context.Context, tr *types.TransferRequest) error {
	rlog := s.log.With().Str("request", tr.UUID).Logger()
	files, err := s.fc.FindFiles(ctx, tr.Source, tr.Path)
	if err != nil {
		return fmt.Errorf("file catalog query: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("file catalog has no files under %s at %s", tr.Path, tr.Source)
	}
	chunks := chunkBySize(files, s.maxBundleSize)
	rlog.Info().Int("files", len(files)).Int("bundles", len(chunks)).Msg("picked request inventory")

	specs := make([]map[string]any, 0, len(chunks))
	for _, chunk := range chunks {
		specs = append(specs, map[string]any{
			"request":    tr.UUID,
			"source":     tr.Source,
			"dest":       tr.Dest,
			"path":       tr.Path,
			"status":     s.cfg.OutputStatus,
			"file_count": len(chunk),
		})
	}
	uuids, err := s.work.CreateBundles(ctx, specs)
	if err != nil {
		return fmt.Errorf("create bundles: %w", err)
	}
	for i, uuid := range uuids {
		fileUUIDs := make([]string, 0, len(chunks[i]))
		for _, f := range chunks[i] {
			fileUUIDs = append(fileUUIDs, f.UUID)
		}
		if _, err := s.work.CreateMetadata(ctx, uuid, fileUUIDs); err != nil {
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

// chunkBySize splits the inventory greedily in catalog order. A file
// larger than the limit gets a chunk of its own.
func chunkBySize(files []catalog.FileInfo, limit int64) [][]catalog.FileInfo {
	var chunks [][]catalog.FileInfo
	var current []catalog.FileInfo
	var size int64
	for _, f := range files {
		if len(current) > 0 && size+f.FileSize > limit {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, f)
		size += f.FileSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
