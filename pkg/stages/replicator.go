package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/mover"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

const (
	// transferRetries is how many times a failed Put is retried before
	// the bundle quarantines. Remote doors drop connections routinely
	// during maintenance windows.
	transferRetries = 2
	transferBackoff = 5 * time.Second
)

// Replicator pushes staged artifacts to the destination site's
// transfer door and records the destination URL as the bundle's
// transfer reference. The door is either a GridFTP endpoint or a
// WebDAV one; exactly one must be configured.
type Replicator struct {
	base
	mover   mover.Mover
	retries int
	backoff time.Duration
}

func newReplicator(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"SOURCE_SITE":   p.Config.SourceSite,
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	gridftpURL := p.Extras["GRIDFTP_DEST_URL"]
	webdavURL := p.Extras["WEBDAV_DEST_URL"]
	var mv mover.Mover
	switch {
	case gridftpURL != "" && webdavURL != "":
		return nil, fmt.Errorf("GRIDFTP_DEST_URL and WEBDAV_DEST_URL are mutually exclusive")
	case gridftpURL != "":
		timeout, err := config.Seconds(p.Extras, "GRIDFTP_TIMEOUT")
		if err != nil {
			return nil, err
		}
		mv = mover.NewGridFTP(gridftpURL).WithTimeout(timeout)
	case webdavURL != "":
		wd := mover.NewWebDAV(webdavURL)
		if ts := p.Work.Tokens(); ts != nil {
			wd = wd.WithTokenSource(ts)
		}
		mv = wd
	default:
		return nil, fmt.Errorf("missing required environment: GRIDFTP_DEST_URL or WEBDAV_DEST_URL")
	}
	return &Replicator{
		base:    newBase(types.ComponentReplicator, p),
		mover:   mv,
		retries: transferRetries,
		backoff: transferBackoff,
	}, nil
}

func (s *Replicator) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, s.cfg.SourceSite, s.cfg.DestSite, s.claimant)
	if err != nil {
		return false, fmt.Errorf("pop bundle: %w", err)
	}
	if bundle == nil {
		return false, nil
	}
	if err := s.replicate(ctx, bundle); err != nil {
		s.quarantineBundle(ctx, bundle, err)
		return true, err
	}
	return true, nil
}

func (s *Replicator) replicate(ctx context.Context, bundle *types.Bundle) error {
	blog := s.log.With().Str("bundle", bundle.UUID).Logger()
	ref, err := s.put(ctx, bundle.BundlePath)
	if err != nil {
		return err
	}
	blog.Info().Str("transfer_reference", ref).Msg("artifact replicated to destination")
	return s.advance(ctx, bundle, s.cfg.OutputStatus, map[string]any{
		"transfer_reference": ref,
	})
}

// put retries transient transfer failures before giving up; only a
// persistent failure should quarantine the bundle.
func (s *Replicator) put(ctx context.Context, path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		ref, err := s.mover.Put(ctx, path)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("transfer attempt failed")
	}
	return "", lastErr
}
