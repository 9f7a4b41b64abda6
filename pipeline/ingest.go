package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/blobstore"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/model"
)

// Source describes where archive files come from. Locator is a local
// directory or file path for the fs source type, or a blob prefix for the
// blob source type.
type Source struct {
	Name       string
	Locator    string
	SourceType string
}

// Ingester collects new archive files from a source, stores their bytes in
// the blob store, records the archive document and publishes
// archive.ingested per new file. It is triggered on demand (scheduler or
// gateway call), not by a bus subscription.
type Ingester struct {
	deps  Deps
	blobs blobstore.Store
}

// NewIngester creates the ingest stage.
func NewIngester(deps Deps, blobs blobstore.Store) *Ingester {
	deps.collector()
	return &Ingester{deps: deps, blobs: blobs}
}

// Ingest processes every archive file found at the source. Per-file
// failures mark that archive failed and continue with the next file; the
// returned error is the first failure, after all files were attempted.
func (i *Ingester) Ingest(ctx context.Context, source Source) error {
	files, err := i.listFiles(ctx, source)
	if err != nil {
		i.deps.collector().Increment("ingestion_files_total",
			map[string]string{"source": source.Name, "status": "failed"})
		payload := events.ArchiveIngestionFailed{
			Source: source.Name,
			Path:   source.Locator,
			Error:  err.Error(),
		}
		if pubErr := i.deps.publish(ctx, events.TypeArchiveIngestionFailed, payload); pubErr != nil {
			log.WithError(pubErr).Error("Failed to publish ingestion failure")
		}
		return fmt.Errorf("list source %s: %w", source.Name, err)
	}

	var firstErr error
	for _, file := range files {
		if err := i.ingestFile(ctx, source, file); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"source": source.Name,
				"file":   file.name,
			}).Error("Archive ingestion failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type sourceFile struct {
	name string
	read func(ctx context.Context) ([]byte, error)
}

// listFiles enumerates archive files at the source, lexically ordered.
func (i *Ingester) listFiles(ctx context.Context, source Source) ([]sourceFile, error) {
	if source.SourceType == "blob" {
		keys, err := i.blobs.List(ctx, source.Locator)
		if err != nil {
			return nil, err
		}
		files := make([]sourceFile, 0, len(keys))
		for _, key := range keys {
			key := key
			files = append(files, sourceFile{
				name: key,
				read: func(ctx context.Context) ([]byte, error) { return i.blobs.Get(ctx, key) },
			})
		}
		return files, nil
	}

	info, err := os.Stat(source.Locator)
	if err != nil {
		return nil, err
	}
	var paths []string
	if info.IsDir() {
		entries, err := os.ReadDir(source.Locator)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			paths = append(paths, filepath.Join(source.Locator, name))
		}
		sort.Strings(paths)
	} else {
		paths = []string{source.Locator}
	}

	files := make([]sourceFile, 0, len(paths))
	for _, path := range paths {
		path := path
		files = append(files, sourceFile{
			name: filepath.Base(path),
			read: func(context.Context) ([]byte, error) { return os.ReadFile(path) },
		})
	}
	return files, nil
}

// ingestFile runs the per-file idempotent ingest: hash, skip when the
// archive is already completed, store bytes, upsert the archive row,
// publish archive.ingested.
func (i *Ingester) ingestFile(ctx context.Context, source Source, file sourceFile) error {
	data, err := file.read(ctx)
	if err != nil {
		i.countFile(source.Name, "failed")
		return fmt.Errorf("read %s: %w", file.name, err)
	}

	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])
	key := docstore.ArchiveKey(source.Name, fileHash)

	if existing, err := i.deps.Store.Get(ctx, model.CollectionArchives, key); err == nil {
		if stringField(existing, model.FieldStatus) == string(model.StatusCompleted) {
			i.countFile(source.Name, "skipped")
			log.WithFields(log.Fields{
				"source":     source.Name,
				"archive_id": key,
			}).Debug("Archive already ingested, skipping")
			return nil
		}
	}

	storageID := "archives/" + key
	if err := i.blobs.Put(ctx, storageID, data, map[string]string{
		"source":    source.Name,
		"file_name": file.name,
		"sha256":    fileHash,
	}); err != nil {
		i.failFile(ctx, source, key, fileHash, fmt.Errorf("store archive bytes: %w", err))
		return err
	}

	ingestedAt := nowUTC()
	archive := model.Archive{
		Source:        source.Name,
		FileHash:      fileHash,
		StorageID:     storageID,
		IngestionDate: ingestedAt,
		Status:        model.StatusPending,
		LastUpdated:   ingestedAt,
	}
	doc, err := model.ToDoc(archive)
	if err != nil {
		return err
	}
	if _, err := i.deps.Store.Insert(ctx, model.CollectionArchives, doc); err != nil {
		i.failFile(ctx, source, key, fileHash, fmt.Errorf("insert archive: %w", err))
		return err
	}

	payload := events.ArchiveIngested{
		ArchiveID:     key,
		Source:        source.Name,
		StorageID:     storageID,
		FileHash:      fileHash,
		IngestionDate: ingestedAt,
	}
	if err := i.deps.publish(ctx, events.TypeArchiveIngested, payload); err != nil {
		i.failFile(ctx, source, key, fileHash, err)
		return err
	}

	i.countFile(source.Name, "ingested")
	log.WithFields(log.Fields{
		"source":     source.Name,
		"archive_id": key,
		"bytes":      len(data),
	}).Info("Archive ingested")
	return nil
}

func (i *Ingester) countFile(source, status string) {
	i.deps.collector().Increment("ingestion_files_total",
		map[string]string{"source": source, "status": status})
}

// failFile records the failed archive row (inserting it when the failure
// struck before the upsert), bumps its attempt counter and publishes the
// ingestion failure event.
func (i *Ingester) failFile(ctx context.Context, source Source, archiveID, fileHash string, cause error) {
	i.countFile(source.Name, "failed")

	if _, err := i.deps.Store.Get(ctx, model.CollectionArchives, archiveID); err != nil {
		now := nowUTC()
		doc, docErr := model.ToDoc(model.Archive{
			Source:      source.Name,
			FileHash:    fileHash,
			Status:      model.StatusFailed,
			LastUpdated: now,
		})
		if docErr == nil {
			if _, insErr := i.deps.Store.Insert(ctx, model.CollectionArchives, doc); insErr != nil {
				log.WithError(insErr).Error("Failed to record failed archive")
			}
		}
	}
	if _, err := docstore.MarkProcessing(ctx, i.deps.Store, model.CollectionArchives, archiveID); err != nil {
		log.WithError(err).Debug("Failed to bump archive attempt count")
	}

	payload := events.ArchiveIngestionFailed{
		Source:       source.Name,
		Path:         source.Locator,
		ArchiveID:    archiveID,
		Error:        cause.Error(),
		AttemptCount: i.deps.attemptCount(ctx, model.CollectionArchives, archiveID),
	}
	i.deps.markFailedAndPublish(ctx, model.CollectionArchives, archiveID,
		events.TypeArchiveIngestionFailed, payload)
}
