package stages

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// TransferRequestFinisher closes out transfer requests. When a deleted
// bundle pops, it checks every sibling under the same request: all
// terminal means the request and its bundles move to finished and
// their metadata mappings are dropped; otherwise the bundle goes to
// the back of the queue to be rechecked after its siblings catch up.
type TransferRequestFinisher struct {
	base
}

func newTransferRequestFinisher(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE":   p.Config.SourceSite,
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	return &TransferRequestFinisher{base: newBase(types.ComponentTransferRequestFinisher, p)}, nil
}

func (s *TransferRequestFinisher) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, s.cfg.SourceSite, s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	done, err := s.finish(ctx, bundle)
	if err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	if !done {
		// Requeued behind siblings still in flight. End the cycle: the
		// remaining deleted bundles would requeue the same way.
		return false, nil
	}
	return true, nil
}

// finish reports whether the bundle's transfer request was completed.
func (s *TransferRequestFinisher) finish(ctx context.Context, bundle *types.Bundle) (bool, error) {
	rlog := s.log.With().Str("request", bundle.Request).Logger()
	uuids, err := s.work.ListBundleUUIDs(ctx, url.Values{"request": []string{bundle.Request}})
	if err != nil {
		return false, fmt.Errorf("list request bundles: %w", err)
	}
	waiting := 0
	for _, uuid := range uuids {
		sibling, err := s.work.GetBundle(ctx, uuid)
		if err != nil {
			return false, fmt.Errorf("fetch bundle %s: %w", uuid, err)
		}
		if sibling.Status != types.StatusDeleted && sibling.Status != types.StatusFinished {
			waiting++
		}
	}
	if waiting > 0 {
		rlog.Info().Int("waiting", waiting).Msg("request has bundles still in flight, requeueing")
		if err := s.requeue(ctx, bundle); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := s.work.PatchTransferRequest(ctx, bundle.Request, map[string]any{
		"status":   types.StatusFinished,
		"claimed":  false,
		"claimant": s.claimant,
	}); err != nil {
		return false, fmt.Errorf("finish transfer request: %w", err)
	}
	for _, uuid := range uuids {
		if _, err := s.work.PatchBundle(ctx, uuid, map[string]any{
			"status":   s.cfg.OutputStatus,
			"claimed":  false,
			"claimant": s.claimant,
		}); err != nil {
			return false, fmt.Errorf("finish bundle %s: %w", uuid, err)
		}
		if err := s.work.DeleteMetadataByBundle(ctx, uuid); err != nil {
			return false, fmt.Errorf("delete metadata for bundle %s: %w", uuid, err)
		}
	}
	rlog.Info().Int("bundles", len(uuids)).Msg("transfer request finished")
	return true, nil
}
