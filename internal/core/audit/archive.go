package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Archiver moves expired audit rows into gzip-compressed JSON-lines files
// before deleting them, so old history stays recoverable offline.
type Archiver struct {
	svc           *Service
	dir           string
	retentionDays int
	batchSize     int
}

// NewArchiver creates an archiver writing under dir.
func NewArchiver(svc *Service, dir string, retentionDays, batchSize int) *Archiver {
	if batchSize < 1 {
		batchSize = 500
	}
	return &Archiver{svc: svc, dir: dir, retentionDays: retentionDays, batchSize: batchSize}
}

// Run archives and deletes all rows older than the retention window. One
// archive file is produced per run, named by the cutoff date.
func (a *Archiver) Run(ctx context.Context) error {
	if a.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -a.retentionDays)

	records, err := a.svc.repo.RecordsBefore(ctx, cutoff, a.batchSize)
	if err != nil {
		return fmt.Errorf("failed to load expired audit records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	name := fmt.Sprintf("audit-%s.jsonl.gz", cutoff.Format("20060102"))
	path := filepath.Join(a.dir, name)

	archived := 0
	for len(records) > 0 {
		if err := appendArchive(path, records); err != nil {
			return err
		}
		archived += len(records)

		last := records[len(records)-1].Timestamp.Add(time.Nanosecond)
		if _, err := a.svc.repo.DeleteRecordsBefore(ctx, last, a.batchSize); err != nil {
			return fmt.Errorf("failed to delete archived audit records: %w", err)
		}

		if len(records) < a.batchSize {
			break
		}
		records, err = a.svc.repo.RecordsBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			return fmt.Errorf("failed to load expired audit records: %w", err)
		}
	}

	a.svc.logger.WithField("archived", archived).Info("Audit records archived")
	return nil
}

// appendArchive writes records as one gzip member appended to the file.
// Concatenated members decompress as a single stream.
func appendArchive(path string, records []Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			zw.Close()
			return fmt.Errorf("failed to encode audit record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive write: %w", err)
	}
	return nil
}
