package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coldpoint/permafrost/pkg/catalog"
	"github.com/coldpoint/permafrost/pkg/checksum"
)

// Unpacker extracts staged bundle artifacts back into the warehouse.
type Unpacker struct {
	// Workbox holds the staged artifacts to unpack.
	Workbox string
	// Outbox is the scratch directory entries are extracted into
	// before being placed at their warehouse paths.
	Outbox string
	// PathMap rewrites manifest logical-name prefixes onto local
	// mounts. Warehouse paths recorded years ago may be mounted
	// somewhere else on today's cluster.
	PathMap map[string]string
}

// Extract unpacks {uuid}.zip from the workbox into the outbox and
// returns the manifest read from the extracted sidecar.
func (u *Unpacker) Extract(uuid string) (*Manifest, error) {
	zipPath := filepath.Join(u.Workbox, ArtifactName(uuid))
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", zipPath, err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		// Entries are written as basenames; Base also disarms any
		// hostile path in a foreign artifact.
		dst := filepath.Join(u.Outbox, filepath.Base(entry.Name))
		if err := extractEntry(entry, dst); err != nil {
			return nil, err
		}
	}

	return ReadManifest(filepath.Join(u.Outbox, SidecarName(uuid)))
}

func extractEntry(entry *zip.File, dst string) error {
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer src.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	return out.Close()
}

// ReadManifest loads a sidecar manifest from disk.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// MapPath applies the longest matching PathMap prefix rewrite to a
// manifest logical name.
func (u *Unpacker) MapPath(logical string) string {
	prefixes := make([]string, 0, len(u.PathMap))
	for prefix := range u.PathMap {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if strings.HasPrefix(logical, prefix) {
			return u.PathMap[prefix] + strings.TrimPrefix(logical, prefix)
		}
	}
	return logical
}

// Place moves one extracted file to its warehouse path: size check
// against the manifest, move, then sha512 verification of the moved
// copy. It returns the destination path the file landed at.
//
// The checksum runs after the move so it verifies the bytes the
// warehouse actually holds, not the scratch copy.
func (u *Unpacker) Place(rec *catalog.Record) (string, error) {
	base := filepath.Base(rec.LogicalName)
	extracted := filepath.Join(u.Outbox, base)

	info, err := os.Stat(extracted)
	if err != nil {
		return "", fmt.Errorf("stat extracted %s: %w", base, err)
	}
	if info.Size() != rec.FileSize {
		return "", fmt.Errorf("file %s size calculated %d expected %d", base, info.Size(), rec.FileSize)
	}

	dest := u.MapPath(rec.LogicalName)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create warehouse directory for %s: %w", base, err)
	}
	if err := Move(extracted, dest); err != nil {
		return "", err
	}

	if rec.Checksum == nil || rec.Checksum.SHA512 == "" {
		return "", fmt.Errorf("file %s has no manifest checksum", base)
	}
	got, err := checksum.SHA512(dest)
	if err != nil {
		return "", err
	}
	if got != rec.Checksum.SHA512 {
		return "", fmt.Errorf("file %s sha512 calculated %s expected %s", base, got, rec.Checksum.SHA512)
	}
	return dest, nil
}

// Cleanup removes the extracted sidecar and the staged artifact after
// every file has been placed and registered.
func (u *Unpacker) Cleanup(uuid string) error {
	for _, path := range []string{
		filepath.Join(u.Outbox, SidecarName(uuid)),
		filepath.Join(u.Workbox, ArtifactName(uuid)),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cleanup %s: %w", path, err)
		}
	}
	return nil
}
