package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/checksum"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/mover"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// DesyVerifier confirms the DESY tape copy by pulling it back through
// the site's GridFTP door and re-computing its sha512. dCache offers no
// server-side hash command the way HPSS does, so verification costs a
// full round trip. A clean copy is registered in the file catalog the
// same way the NERSC verifier does it, minus the hpss flag.
type DesyVerifier struct {
	base
	fc       *catalog.Client
	gridftp  *mover.GridFTP
	gsiftp   string
	tapeBase string
	workbox  string
}

func newDesyVerifier(p Params) (worker.Stage, error) {
	if err := requireEnv(map[string]string{
		"DEST_SITE":     p.Config.DestSite,
		"INPUT_STATUS":  string(p.Config.InputStatus),
		"OUTPUT_STATUS": string(p.Config.OutputStatus),
	}); err != nil {
		return nil, err
	}
	timeout, err := config.Seconds(p.Extras, "GRIDFTP_TIMEOUT")
	if err != nil {
		return nil, err
	}
	fc, err := fileCatalog(p, "")
	if err != nil {
		return nil, err
	}
	gsiftp := p.Extras["DESY_GSIFTP"]
	return &DesyVerifier{
		base: newBase(types.ComponentDesyVerifier, p),
		fc:   fc,
		gridftp: mover.NewGridFTP(gsiftp).
			WithTimeout(timeout).
			WithCredential(p.Extras["DESY_CRED_PATH"]),
		gsiftp:   gsiftp,
		tapeBase: p.Extras["TAPE_BASE_PATH"],
		workbox:  p.Extras["WORKBOX_PATH"],
	}, nil
}

func (s *DesyVerifier) WorkClaim(ctx context.Context) (bool, error) {
	bundle, err := s.work.PopBundle(ctx, s.cfg.InputStatus, s.cfg.SourceSite, s.cfg.DestSite, s.claimant)
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

func (s *DesyVerifier) verify(ctx context.Context, bundle *types.Bundle) error {
	if bundle.Checksum == nil || bundle.Checksum.SHA512 == "" {
		return fmt.Errorf("bundle has no recorded sha512")
	}
	basename := filepath.Base(bundle.BundlePath)
	tapePath := filepath.Join(s.tapeBase, basename)
	srcURL := mover.JoinURL(s.gsiftp, strings.TrimPrefix(tapePath, "/"))
	local := filepath.Join(s.workbox, basename)
	if err := s.gridftp.Get(ctx, srcURL, local); err != nil {
		return err
	}
	got, err := checksum.SHA512(local)
	if err != nil {
		return err
	}
	if got != bundle.Checksum.SHA512 {
		return fmt.Errorf("checksum mismatch between creation and destination: calculated %s expected %s",
			got, bundle.Checksum.SHA512)
	}
	fileUUIDs, err := s.metadataFileUUIDs(ctx, bundle.UUID)
	if err != nil {
		return err
	}
	offline := false
	loc := catalog.Location{
		Site:   bundle.Dest,
		Path:   tapePath,
		Online: &offline,
	}
	if err := registerArchive(ctx, s.fc, bundle, tapePath, loc, fileUUIDs); err != nil {
		return err
	}
	if err := os.Remove(local); err != nil {
		return fmt.Errorf("remove workbox copy: %w", err)
	}
	s.log.Info().Str("bundle", bundle.UUID).Str("tape", tapePath).Msg("tape copy verified and cataloged")
	return s.advance(ctx, bundle, s.cfg.OutputStatus, map[string]any{"verified": true})
}
