package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/storage"
)

// Archiver mirrors completed snapshot directories into object storage.
// Uploads are best-effort; the local filesystem stays the source of
// truth and a failed upload never fails the snapshot.
type Archiver struct {
	store storage.ObjectStorage
	log   *logger.Logger
}

func NewArchiver(store storage.ObjectStorage, log *logger.Logger) *Archiver {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Archiver{store: store, log: log}
}

func archiveContentType(name string) string {
	switch filepath.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// ArchiveSnapshot uploads every regular file in dir under
// snapshots/{district}/{date}/{source}/. The lock file is skipped; it
// should be gone by the time this runs anyway.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, dir string, key domain.SnapshotKey) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}

	prefix := fmt.Sprintf("snapshots/%d/%s/%s", key.DistrictID, key.Date, key.SourceType)
	uploaded := 0
	var firstErr error

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		file, err := os.Open(path)
		if err != nil {
			a.log.WithError(err).WithField("file", entry.Name()).Warn("Skipping unreadable file during archive")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		objectKey := prefix + "/" + entry.Name()
		err = a.store.Upload(ctx, objectKey, file, info.Size(), archiveContentType(entry.Name()))
		file.Close()
		if err != nil {
			a.log.WithError(err).WithField("key", objectKey).Warn("Archive upload failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		uploaded++
	}

	a.log.WithFields(logger.Fields{
		logger.FieldDistrictID:   key.DistrictID,
		logger.FieldSnapshotDate: key.Date,
		logger.FieldCount:        uploaded,
	}).Info("Snapshot archived to object storage")
	return firstErr
}
