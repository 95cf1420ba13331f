package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/checksum"
	"github.com/coldpoint/permafrost/pkg/types"
)

// ManifestVersion is written into every sidecar. Version 3 embeds full
// catalog records in the files list; membership bookkeeping lives in
// the coordinator's metadata side table.
const ManifestVersion = 3

// Manifest is the JSON sidecar written alongside, and as the first
// entry of, every bundle artifact. The copy inside the artifact is the
// authoritative one: it travels with the bytes to tape and back.
type Manifest struct {
	UUID        string           `json:"uuid"`
	Component   string           `json:"component"`
	Version     int              `json:"version"`
	DateCreated string           `json:"date_created"`
	Files       []catalog.Record `json:"files"`
}

// NewManifest starts a manifest for a bundle.
func NewManifest(uuid string) *Manifest {
	return &Manifest{
		UUID:        uuid,
		Component:   "bundler",
		Version:     ManifestVersion,
		DateCreated: types.Now(),
	}
}

// ArtifactName returns the zip filename for a bundle uuid.
func ArtifactName(uuid string) string { return uuid + ".zip" }

// SidecarName returns the manifest filename for a bundle uuid.
func SidecarName(uuid string) string { return uuid + ".metadata.json" }

// Artifact describes a finished bundle artifact in the outbox.
type Artifact struct {
	Path        string
	SidecarPath string
	Size        int64
	Checksum    *types.Checksum
	FileCount   int
}

// Builder writes bundle artifacts in a workbox directory and moves the
// finished artifact and sidecar to an outbox (typically the staging
// disk the replicator reads from).
type Builder struct {
	Workbox string
	Outbox  string
}

// CleanPartials removes leftover workbox artifacts for a bundle. A
// bundler that died mid-build leaves a partial zip behind; the bundle
// claim gets reaped and the next bundler must rebuild from scratch.
func (b *Builder) CleanPartials(uuid string) error {
	for _, name := range []string{ArtifactName(uuid), SidecarName(uuid)} {
		path := filepath.Join(b.Workbox, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove partial %s: %w", path, err)
		}
	}
	return nil
}

// Build writes the bundle artifact: a store-only ZIP64 archive named
// {uuid}.zip whose first entry is the manifest sidecar, followed by
// every file in the manifest under its basename. The finished artifact
// and a sidecar copy are moved to the outbox. Entry timestamps come
// from the manifest's creation time, so rebuilding the same manifest
// reproduces the same bytes.
func (b *Builder) Build(m *Manifest) (a *Artifact, err error) {
	if err := b.CleanPartials(m.UUID); err != nil {
		return nil, err
	}

	sidecarPath := filepath.Join(b.Workbox, SidecarName(m.UUID))
	zipPath := filepath.Join(b.Workbox, ArtifactName(m.UUID))
	defer func() {
		if err != nil {
			os.Remove(zipPath)
			os.Remove(sidecarPath)
		}
	}()

	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(sidecarPath, manifestJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write sidecar: %w", err)
	}

	modified := time.Now().UTC()
	if t, perr := types.ParseTimestamp(m.DateCreated); perr == nil {
		modified = t
	}

	f, err := os.OpenFile(zipPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	zw := zip.NewWriter(f)

	if err := addEntry(zw, SidecarName(m.UUID), sidecarPath, modified); err != nil {
		zw.Close()
		f.Close()
		return nil, err
	}
	for _, rec := range m.Files {
		if err := addEntry(zw, filepath.Base(rec.LogicalName), rec.LogicalName, modified); err != nil {
			zw.Close()
			f.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("finalize artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close artifact: %w", err)
	}

	finalZip := zipPath
	finalSidecar := sidecarPath
	if b.Outbox != "" && b.Outbox != b.Workbox {
		finalZip = filepath.Join(b.Outbox, ArtifactName(m.UUID))
		if err := Move(zipPath, finalZip); err != nil {
			return nil, err
		}
		finalSidecar = filepath.Join(b.Outbox, SidecarName(m.UUID))
		if err := Move(sidecarPath, finalSidecar); err != nil {
			return nil, err
		}
	}

	sums, err := checksum.Sums(finalZip)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(finalZip)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	return &Artifact{
		Path:        finalZip,
		SidecarPath: finalSidecar,
		Size:        info.Size(),
		Checksum:    sums,
		FileCount:   len(m.Files),
	}, nil
}

// addEntry streams one file into the archive as a store-only entry.
func addEntry(zw *zip.Writer, name, path string, modified time.Time) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: modified,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Verify re-checksums an artifact on disk against the recorded
// checksum. Both digests are compared when the record carries both.
func Verify(path string, want *types.Checksum) error {
	if want == nil || want.SHA512 == "" {
		return fmt.Errorf("verify %s: no recorded checksum", path)
	}
	got, err := checksum.Sums(path)
	if err != nil {
		return err
	}
	if got.SHA512 != want.SHA512 {
		return fmt.Errorf("verify %s: sha512 mismatch: calculated %s expected %s", path, got.SHA512, want.SHA512)
	}
	if want.Adler32 != "" && got.Adler32 != want.Adler32 {
		return fmt.Errorf("verify %s: adler32 mismatch: calculated %s expected %s", path, got.Adler32, want.Adler32)
	}
	return nil
}

// Move relocates a file, falling back to copy-and-remove when source
// and destination live on different filesystems. Workboxes are local
// scratch; outboxes are usually NFS or dCache mounts.
func Move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return os.Remove(src)
}
