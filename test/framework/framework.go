// Package framework stands up a complete in-process archival pipeline
// for integration tests: a coordinator over a real bolt store, a token
// issuer, a file catalog, the on-disk site geography, and helpers for
// running stages against them and asserting on bundle lifecycles.
package framework

import (
	"context"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coldpoint/permafrost/pkg/api"
	"github.com/coldpoint/permafrost/pkg/auth"
	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/checksum"
	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/reaper"
	"github.com/coldpoint/permafrost/pkg/storage"
	"github.com/coldpoint/permafrost/pkg/types"
	"github.com/coldpoint/permafrost/pkg/worker"
)

// Config tunes the pieces tests poke at. Everything else is fixed.
type Config struct {
	MaxClaimAge    time.Duration
	ReaperInterval time.Duration
}

// DefaultConfig keeps the reaper far away from healthy claims.
func DefaultConfig() Config {
	return Config{MaxClaimAge: 12 * time.Hour, ReaperInterval: time.Minute}
}

// Pipeline is one running deployment: coordinator, issuer, catalog,
// site directories, and an admin client. It also keeps a status
// history per bundle, folded from snapshots taken after each stage
// run, so tests can assert on whole lifecycles.
type Pipeline struct {
	T       *testing.T
	Sites   *Sites
	Catalog *Catalog
	Issuer  *Issuer
	Admin   *worker.Client
	URL     string

	store  storage.Store
	reaper *reaper.Reaper

	mu      sync.Mutex
	history map[string][]types.Status
}

// NewPipeline starts every service on loopback and tears it all down
// via t.Cleanup.
func NewPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	issuer := NewIssuer(t)
	server := api.NewServer(&config.Coordinator{
		Host:        "localhost",
		OpenIDURL:   issuer.URL,
		Audience:    Audience,
		MaxBodySize: 16 << 20,
		MaxClaimAge: cfg.MaxClaimAge,
		ReaperSleep: cfg.ReaperInterval,
		StaleAfter:  24 * time.Hour,
	}, store, auth.NewStaticVerifier(issuer.KeySet(), Audience))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	rp := reaper.New(store, cfg.MaxClaimAge, cfg.ReaperInterval)
	rp.Start()
	t.Cleanup(rp.Stop)

	p := &Pipeline{
		T:       t,
		Sites:   NewSites(t),
		Catalog: NewCatalog(t),
		Issuer:  issuer,
		URL:     srv.URL,
		store:   store,
		reaper:  rp,
		history: make(map[string][]types.Status),
	}
	p.Admin = p.client(AdminClientID)
	return p
}

// Client builds a fresh system-role coordinator client, the kind a
// stage worker runs with.
func (p *Pipeline) Client() *worker.Client {
	return p.client(WorkerClientID)
}

func (p *Pipeline) client(clientID string) *worker.Client {
	p.T.Helper()
	c, err := worker.NewClient(worker.ClientConfig{
		URL:          p.URL,
		OpenIDURL:    p.Issuer.URL,
		ClientID:     clientID,
		ClientSecret: ClientSecret,
		Timeout:      10 * time.Second,
		Retries:      2,
	})
	require.NoError(p.T, err)
	return c
}

// CreateRequest files a transfer request and returns its uuid.
func (p *Pipeline) CreateRequest(source, dest, path string) string {
	p.T.Helper()
	id, err := p.Admin.CreateTransferRequest(context.Background(), source, dest, path)
	require.NoError(p.T, err)
	return id
}

// Request fetches one transfer request.
func (p *Pipeline) Request(uuid string) *types.TransferRequest {
	p.T.Helper()
	tr, err := p.Admin.GetTransferRequest(context.Background(), uuid)
	require.NoError(p.T, err)
	return tr
}

// Bundle fetches one bundle.
func (p *Pipeline) Bundle(uuid string) *types.Bundle {
	p.T.Helper()
	b, err := p.Admin.GetBundle(context.Background(), uuid)
	require.NoError(p.T, err)
	return b
}

// RequestBundles returns a request's bundles sorted by uuid.
func (p *Pipeline) RequestBundles(requestUUID string) []*types.Bundle {
	p.T.Helper()
	uuids, err := p.Admin.ListBundleUUIDs(context.Background(), url.Values{"request": []string{requestUUID}})
	require.NoError(p.T, err)
	sort.Strings(uuids)
	bundles := make([]*types.Bundle, 0, len(uuids))
	for _, id := range uuids {
		bundles = append(bundles, p.Bundle(id))
	}
	return bundles
}

// Metadata returns a bundle's metadata records.
func (p *Pipeline) Metadata(bundleUUID string) []types.MetadataRecord {
	p.T.Helper()
	records, err := p.Admin.ListMetadata(context.Background(), bundleUUID, 0, 0)
	require.NoError(p.T, err)
	return records
}

// Unquarantine moves a quarantined bundle back to a workable status,
// the act an operator performs after fixing the underlying fault.
func (p *Pipeline) Unquarantine(bundleUUID string, status types.Status) {
	p.T.Helper()
	_, err := p.Admin.PatchBundle(context.Background(), bundleUUID, map[string]any{
		"status":  string(status),
		"claimed": false,
	})
	require.NoError(p.T, err)
	p.Snapshot()
}

// ResetRequestPriority sends a request to the back of the queue.
func (p *Pipeline) ResetRequestPriority(requestUUID string) {
	p.T.Helper()
	err := p.Admin.PatchTransferRequest(context.Background(), requestUUID, map[string]any{
		"work_priority_timestamp": types.Now(),
	})
	require.NoError(p.T, err)
}

// BackdateClaim rewrites a claimed bundle's claim timestamp straight
// in the store, aging the claim so the reaper sees it as abandoned
// without the test sleeping.
func (p *Pipeline) BackdateClaim(bundleUUID string, age time.Duration) {
	p.T.Helper()
	b, err := p.store.GetBundle(bundleUUID)
	require.NoError(p.T, err)
	require.True(p.T, b.Claimed, "only a claimed bundle can have its claim backdated")
	b.ClaimTimestamp = time.Now().UTC().Add(-age).Format(types.TimestampFormat)
	require.NoError(p.T, p.store.CreateBundles([]*types.Bundle{b}))
}

// BackdateRequestPriority ages a request's queue position.
func (p *Pipeline) BackdateRequestPriority(requestUUID string, age time.Duration) {
	p.T.Helper()
	tr, err := p.store.GetTransferRequest(requestUUID)
	require.NoError(p.T, err)
	tr.WorkPriorityTimestamp = time.Now().UTC().Add(-age).Format(types.TimestampFormat)
	require.NoError(p.T, p.store.CreateTransferRequest(tr))
}

// Snapshot records the current status of every bundle into the
// lifecycle history, deduplicating consecutive repeats.
func (p *Pipeline) Snapshot() {
	p.T.Helper()
	uuids, err := p.Admin.ListBundleUUIDs(context.Background(), nil)
	require.NoError(p.T, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range uuids {
		b, err := p.store.GetBundle(id)
		require.NoError(p.T, err)
		seen := p.history[id]
		if len(seen) == 0 || seen[len(seen)-1] != b.Status {
			p.history[id] = append(seen, b.Status)
		}
	}
}

// History returns the statuses a bundle has been seen in, in order.
func (p *Pipeline) History(bundleUUID string) []types.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Status(nil), p.history[bundleUUID]...)
}

// RequireLifecycle snapshots and asserts a bundle walked exactly the
// given statuses, and that every step is a legal transition.
func (p *Pipeline) RequireLifecycle(bundleUUID string, want ...types.Status) {
	p.T.Helper()
	p.Snapshot()
	got := p.History(bundleUUID)
	require.Equal(p.T, want, got, "bundle %s lifecycle", bundleUUID)
	for i := 1; i < len(got); i++ {
		require.True(p.T, types.ValidTransition(got[i-1], got[i]),
			"bundle %s made an illegal move from %s to %s", bundleUUID, got[i-1], got[i])
	}
}

// SeedFile writes a file into the warehouse and registers it in the
// catalog, returning the record the picker will find.
func (p *Pipeline) SeedFile(site, relPath string, data []byte) *catalog.Record {
	p.T.Helper()
	abs := filepath.Join(p.Sites.Warehouse, relPath)
	require.NoError(p.T, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(p.T, os.WriteFile(abs, data, 0o644))

	sums, err := checksum.Sums(abs)
	require.NoError(p.T, err)
	rec := &catalog.Record{
		UUID:        uuid.NewString(),
		LogicalName: abs,
		FileSize:    int64(len(data)),
		Checksum:    sums,
		Locations:   []catalog.Location{{Site: site, Path: abs}},
	}
	p.Catalog.Add(rec)
	return rec
}
