package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/permafrost", "Coordinator data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/permafrost.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Permafrost Database Migration Tool - Embedded Files → Metadata Table")
	log.Println("====================================================================")

	dbPath := filepath.Join(*dataDir, "permafrost.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	// Open database
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Perform migration
	if err := migrateFilesToMetadata(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Println("The backup file can be deleted once the coordinator has been")
		log.Println("verified against the migrated database.")
	}
}

// pendingBundle is one v1 bundle document still carrying an embedded
// files list.
type pendingBundle struct {
	uuid  string
	files []string
}

func migrateFilesToMetadata(db *bolt.DB, dryRun bool) error {
	var pending []pendingBundle
	var fileCount int

	// First, inspect what exists
	err := db.View(func(tx *bolt.Tx) error {
		bundles := tx.Bucket([]byte("bundles"))
		if bundles == nil {
			log.Println("✓ No 'bundles' bucket found - nothing to migrate")
			return nil
		}

		return bundles.ForEach(func(k, v []byte) error {
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(v, &doc); err != nil {
				log.Printf("⚠ Warning: Skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			raw, ok := doc["files"]
			if !ok {
				return nil
			}
			uuids, err := fileUUIDs(raw)
			if err != nil {
				log.Printf("⚠ Warning: Skipping bundle %s: %v", k, err)
				return nil
			}
			pending = append(pending, pendingBundle{uuid: string(k), files: uuids})
			fileCount += len(uuids)
			return nil
		})
	})

	if err != nil {
		return err
	}

	if len(pending) == 0 {
		log.Println("✓ No embedded file lists found - database is already using the metadata table")
		return nil
	}

	log.Printf("Found %d bundles with embedded file lists (%d files total)", len(pending), fileCount)

	// Perform migration
	err = db.Update(func(tx *bolt.Tx) error {
		if dryRun {
			log.Println("\n[DRY RUN] Would perform the following operations:")
			log.Printf("1. Create up to %d records in the 'metadata' bucket", fileCount)
			log.Printf("2. Strip the files field from %d bundle documents", len(pending))
			log.Println("3. Leave every other field untouched")
			return nil
		}

		// Get or create metadata bucket
		metadata, err := tx.CreateBucketIfNotExists([]byte("metadata"))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		// Get bundles bucket
		bundles := tx.Bucket([]byte("bundles"))
		if bundles == nil {
			return nil // Already migrated
		}

		// Index existing mappings so a re-run never duplicates records
		existing := make(map[string]bool)
		err = metadata.ForEach(func(k, v []byte) error {
			var rec struct {
				BundleUUID      string `json:"bundle_uuid"`
				FileCatalogUUID string `json:"file_catalog_uuid"`
			}
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			existing[rec.BundleUUID+"/"+rec.FileCatalogUUID] = true
			return nil
		})
		if err != nil {
			return err
		}

		log.Println("\nMigrating embedded file lists to the metadata table...")
		var migratedBundles, migratedFiles int
		for _, p := range pending {
			for _, fc := range p.files {
				if existing[p.uuid+"/"+fc] {
					continue
				}
				recUUID := uuid.NewString()
				data, err := json.Marshal(map[string]string{
					"uuid":              recUUID,
					"bundle_uuid":       p.uuid,
					"file_catalog_uuid": fc,
				})
				if err != nil {
					return err
				}
				if err := metadata.Put([]byte(recUUID), data); err != nil {
					return fmt.Errorf("failed to create metadata record for bundle %s: %w", p.uuid, err)
				}
				migratedFiles++
			}

			// Strip the files field and rewrite the document
			raw := bundles.Get([]byte(p.uuid))
			if raw == nil {
				continue
			}
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("failed to decode bundle %s: %w", p.uuid, err)
			}
			delete(doc, "files")
			out, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if err := bundles.Put([]byte(p.uuid), out); err != nil {
				return fmt.Errorf("failed to rewrite bundle %s: %w", p.uuid, err)
			}

			migratedBundles++
			if migratedBundles%10 == 0 {
				log.Printf("  Migrated %d/%d...", migratedBundles, len(pending))
			}
		}

		log.Printf("✓ Created %d metadata records", migratedFiles)
		log.Printf("✓ Stripped the files field from %d/%d bundles", migratedBundles, len(pending))

		return nil
	})

	return err
}

// fileUUIDs extracts file catalog uuids from a v1 files field. The
// earliest writers stored plain uuid strings; later ones embedded whole
// catalog records.
func fileUUIDs(raw json.RawMessage) ([]string, error) {
	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var records []struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("files field is neither uuids nor records: %w", err)
	}
	uuids := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.UUID != "" {
			uuids = append(uuids, rec.UUID)
		}
	}
	return uuids, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
