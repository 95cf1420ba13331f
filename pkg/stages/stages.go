package stages

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/tape"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// metadataPage is how many metadata mappings a stage fetches per
// request when walking a bundle's membership.
const metadataPage = 1000

// Params collects the dependencies the factory hands every stage
// constructor: the shared worker config, the stage-specific extra
// environment, the claimant identity, and the coordinator client.
type Params struct {
	Config   *config.Worker
	Extras   map[string]string
	Claimant string
	Work     *worker.Client
}

type entry struct {
	env   config.Spec
	build func(Params) (worker.Stage, error)
}

var registry = map[string]entry{
	types.ComponentPicker: {
		env: config.Spec{
			Required: []string{"FILE_CATALOG_REST_URL"},
			Defaults: map[string]string{
				"FILE_CATALOG_PAGE_SIZE": "1000",
				"MAX_BUNDLE_SIZE":        "107374182400", // 100 GiB
			},
		},
		build: newPicker,
	},
	types.ComponentLocator: {
		env: config.Spec{
			Required: []string{"FILE_CATALOG_REST_URL"},
			Defaults: map[string]string{"FILE_CATALOG_PAGE_SIZE": "1000"},
		},
		build: newLocator,
	},
	types.ComponentBundler: {
		env: config.Spec{
			Required: []string{
				"BUNDLER_WORKBOX_PATH",
				"BUNDLER_OUTBOX_PATH",
				"FILE_CATALOG_REST_URL",
			},
		},
		build: newBundler,
	},
	types.ComponentRateLimiter: {
		env: config.Spec{
			Required: []string{"INPUT_PATH", "OUTPUT_PATH", "OUTPUT_QUOTA"},
		},
		build: newRateLimiter,
	},
	types.ComponentReplicator: {
		env: config.Spec{
			Defaults: map[string]string{
				"GRIDFTP_DEST_URL": "",
				"WEBDAV_DEST_URL":  "",
				"GRIDFTP_TIMEOUT":  "1200",
			},
		},
		build: newReplicator,
	},
	types.ComponentSiteMoveVerifier: {
		env: config.Spec{
			Required: []string{"DEST_ROOT_PATH", "NEXT_STATUS"},
		},
		build: newSiteMoveVerifier,
	},
	types.ComponentNerscMover: {
		env: config.Spec{
			Required: []string{"RSE_BASE_PATH", "TAPE_BASE_PATH"},
			Defaults: map[string]string{
				"HSI_PATH":        "",
				"HPSS_AVAIL_PATH": tape.DefaultAvailPath,
			},
		},
		build: newNerscMover,
	},
	types.ComponentNerscRetriever: {
		env: config.Spec{
			Required: []string{"RSE_BASE_PATH", "TAPE_BASE_PATH"},
			Defaults: map[string]string{
				"HSI_PATH":        "",
				"HPSS_AVAIL_PATH": tape.DefaultAvailPath,
			},
		},
		build: newNerscRetriever,
	},
	types.ComponentNerscVerifier: {
		env: config.Spec{
			Required: []string{"TAPE_BASE_PATH", "FILE_CATALOG_REST_URL"},
			Defaults: map[string]string{
				"HSI_PATH":        "",
				"HPSS_AVAIL_PATH": tape.DefaultAvailPath,
			},
		},
		build: newNerscVerifier,
	},
	types.ComponentDesyVerifier: {
		env: config.Spec{
			Required: []string{
				"DESY_GSIFTP",
				"DESY_CRED_PATH",
				"TAPE_BASE_PATH",
				"WORKBOX_PATH",
				"FILE_CATALOG_REST_URL",
			},
			Defaults: map[string]string{"GRIDFTP_TIMEOUT": "1200"},
		},
		build: newDesyVerifier,
	},
	types.ComponentDeleter: {
		env: config.Spec{
			Required: []string{"DISK_BASE_PATH"},
			Defaults: map[string]string{"USE_DEST_SITE": "FALSE"},
		},
		build: newDeleter,
	},
	types.ComponentUnpacker: {
		env: config.Spec{
			Required: []string{
				"UNPACKER_WORKBOX_PATH",
				"UNPACKER_OUTBOX_PATH",
				"FILE_CATALOG_REST_URL",
			},
			Defaults: map[string]string{"PATH_MAP_JSON": ""},
		},
		build: newUnpacker,
	},
	types.ComponentTransferRequestFinisher: {
		env:   config.Spec{},
		build: newTransferRequestFinisher,
	},
}

// Env returns the extra environment a component type expects beyond the
// common worker keys. The second return is false for unknown types.
func Env(componentType string) (config.Spec, bool) {
	e, ok := registry[componentType]
	return e.env, ok
}

// Names lists every registered component type in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the stage action for a component type.
func New(componentType string, p Params) (worker.Stage, error) {
	e, ok := registry[componentType]
	if !ok {
		return nil, fmt.Errorf("unknown component type %q (expected one of %s)",
			componentType, strings.Join(Names(), ", "))
	}
	return e.build(p)
}

// base carries what every stage action needs: the worker config with
// its site and status routing, the coordinator client, and the
// claimant identity that must ride along on every mutation of a
// claimed document.
type base struct {
	typ      string
	cfg      *config.Worker
	work     *worker.Client
	claimant string
	log      zerolog.Logger
}

func newBase(typ string, p Params) base {
	return base{
		typ:      typ,
		cfg:      p.Config,
		work:     p.Work,
		claimant: p.Claimant,
		log:      log.WithWorker(typ, p.Claimant),
	}
}

// Type names the component type this stage heartbeats and claims as.
func (b *base) Type() string { return b.typ }

// advance moves a bundle to its next status and releases the claim in
// the same PATCH. Any extra fields ride along.
func (b *base) advance(ctx context.Context, bundle *types.Bundle, status types.Status, fields map[string]any) error {
	patch := map[string]any{
		"status":   status,
		"claimed":  false,
		"claimant": b.claimant,
	}
	for k, v := range fields {
		patch[k] = v
	}
	if _, err := b.work.PatchBundle(ctx, bundle.UUID, patch); err != nil {
		return fmt.Errorf("advance bundle to %s: %w", status, err)
	}
	return nil
}

// requeue releases the claim without changing status and sends the
// bundle to the back of the priority queue so its siblings get a turn.
func (b *base) requeue(ctx context.Context, bundle *types.Bundle) error {
	_, err := b.work.PatchBundle(ctx, bundle.UUID, map[string]any{
		"claimed":                 false,
		"claimant":                b.claimant,
		"work_priority_timestamp": types.Now(),
	})
	if err != nil {
		return fmt.Errorf("requeue bundle: %w", err)
	}
	return nil
}

// quarantineBundle parks a bundle with a stage-prefixed reason.
// Quarantine failures are logged, not returned: if the coordinator is
// unreachable the claim reaper recovers the document instead.
func (b *base) quarantineBundle(ctx context.Context, bundle *types.Bundle, cause error) {
	reason := b.typ + ": " + cause.Error()
	b.log.Error().Str("bundle", bundle.UUID).Str("reason", reason).Msg("quarantining bundle")
	if err := b.work.QuarantineBundle(ctx, bundle, b.claimant, reason); err != nil {
		b.log.Error().Err(err).Str("bundle", bundle.UUID).Msg("unable to quarantine bundle")
	}
}

// quarantineRequest parks a transfer request with a stage-prefixed
// reason.
func (b *base) quarantineRequest(ctx context.Context, tr *types.TransferRequest, cause error) {
	reason := b.typ + ": " + cause.Error()
	b.log.Error().Str("request", tr.UUID).Str("reason", reason).Msg("quarantining transfer request")
	if err := b.work.QuarantineTransferRequest(ctx, tr, b.claimant, reason); err != nil {
		b.log.Error().Err(err).Str("request", tr.UUID).Msg("unable to quarantine transfer request")
	}
}

// metadataFileUUIDs pages through a bundle's metadata side table and
// returns the file catalog uuids it maps.
func (b *base) metadataFileUUIDs(ctx context.Context, bundleUUID string) ([]string, error) {
	var uuids []string
	skip := 0
	for {
		recs, err := b.work.ListMetadata(ctx, bundleUUID, metadataPage, skip)
		if err != nil {
			return nil, fmt.Errorf("list bundle metadata: %w", err)
		}
		for _, rec := range recs {
			uuids = append(uuids, rec.FileCatalogUUID)
		}
		if len(recs) < metadataPage {
			return uuids, nil
		}
		skip += len(recs)
	}
}

// fileCatalog builds a catalog client from the stage extras, reusing
// the worker's token source. pageSizeKey is empty for stages that only
// fetch single records.
func fileCatalog(p Params, pageSizeKey string) (*catalog.Client, error) {
	var opts []catalog.Option
	if ts := p.Work.Tokens(); ts != nil {
		opts = append(opts, catalog.WithTokenSource(ts))
	}
	if pageSizeKey != "" {
		n, err := config.Int(p.Extras, pageSizeKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, catalog.WithPageSize(n))
	}
	return catalog.New(p.Extras["FILE_CATALOG_REST_URL"], opts...), nil
}

// requireEnv checks common-config fields the stage depends on. The
// common keys are optional in LoadWorker, so each stage names the ones
// it cannot run without.
func requireEnv(fields map[string]string) error {
	var missing []string
	for key, val := range fields {
		if val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	return nil
}

// registerArchive records a verified artifact and its members in the
// file catalog: one record for the artifact itself, plus an archive
// location on every member file pointing back into it.
func registerArchive(ctx context.Context, fc *catalog.Client, bundle *types.Bundle, archivePath string, loc catalog.Location, fileUUIDs []string) error {
	rec := &catalog.Record{
		UUID:        bundle.UUID,
		LogicalName: archivePath,
		FileSize:    bundle.Size,
		Checksum:    bundle.Checksum,
		Locations:   []catalog.Location{loc},
		Archival:    &catalog.Archival{DateArchived: types.Now()},
	}
	if err := fc.RegisterFile(ctx, rec); err != nil {
		return fmt.Errorf("register archive record: %w", err)
	}
	for _, uuid := range fileUUIDs {
		member, err := fc.GetFile(ctx, uuid)
		if err != nil {
			return fmt.Errorf("fetch member record %s: %w", uuid, err)
		}
		archiveLoc := catalog.Location{
			Site:    loc.Site,
			Path:    archivePath + ":" + member.LogicalName,
			Archive: true,
		}
		if err := fc.AddLocation(ctx, uuid, archiveLoc); err != nil {
			return fmt.Errorf("add archive location to %s: %w", uuid, err)
		}
	}
	return nil
}

// usedBytes walks a directory tree and sums regular file sizes. Files
// that vanish mid-walk are skipped: downstream consumers delete while
// we measure. A missing root counts as empty.
func usedBytes(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// archiveUUID extracts the artifact uuid from an archive path. Member
// locations name the archive and the member's logical name separated
// by a colon (/tape/6f9e.zip:/data/exp/.../x.i3); the archive's own
// location and bundle_path are the plain path. Empty when there is
// nothing before the first dot of the basename.
func archiveUUID(path string) string {
	if i := strings.IndexByte(path, ':'); i >= 0 {
		path = path[:i]
	}
	return strings.SplitN(filepath.Base(path), ".", 2)[0]
}
